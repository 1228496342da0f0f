package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/observability/metrics"
)

// DefaultTimeout bounds a handler that sets no timeout of its own.
const DefaultTimeout = 30 * time.Second

// Status event types.
const (
	StatusStarted   = "tool_call.started"
	StatusCompleted = "tool_call.completed"
	StatusFailed    = "tool_call.failed"
)

// Call is a finalized function call reported by the model.
type Call struct {
	Name      string
	CallID    string
	Arguments string
}

// Status is a synthesized tool-call event for observers.
type Status struct {
	Type       string `json:"type"`
	StreamID   string `json:"stream_id,omitempty"`
	Name       string `json:"name"`
	CallID     string `json:"call_id"`
	Arguments  string `json:"arguments,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Sender delivers a tool result to the model leg.
type Sender interface {
	AddFunctionCallOutput(callID, output string) error
	CreateResponse() error
}

// Options configures a Dispatcher.
type Options struct {
	StreamID       string
	DefaultTimeout time.Duration
	// Sender returns the model leg at delivery time, or nil if it is closed.
	Sender   func() Sender
	OnStatus func(Status)
	Metrics  *metrics.Metrics
}

// Dispatcher runs the function calls of one call against a tool registry.
type Dispatcher struct {
	registry *Registry
	opts     Options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	// sendMu keeps each output and its response.create adjacent on the wire.
	sendMu sync.Mutex
}

// NewDispatcher creates a dispatcher whose handlers are cancelled when ctx is
// done or Close is called.
func NewDispatcher(ctx context.Context, registry *Registry, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if registry == nil {
		registry = NewRegistry()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   logging.WithCall("tool-dispatcher", opts.StreamID),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Dispatch runs call in its own goroutine. It returns false when a call with
// the same callId is already in flight or the dispatcher is closed.
func (d *Dispatcher) Dispatch(call Call) bool {
	d.mu.Lock()
	if d.closed || d.ctx.Err() != nil {
		d.mu.Unlock()
		return false
	}
	if _, dup := d.inflight[call.CallID]; dup {
		d.mu.Unlock()
		d.logger.Warn().Str("callId", call.CallID).Str("tool", call.Name).Msg("Ignoring duplicate function call")
		return false
	}
	d.inflight[call.CallID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, call.CallID)
			d.mu.Unlock()
		}()
		d.handle(call)
	}()
	return true
}

// InFlight returns the number of calls still running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close cancels running handlers and waits for them to deliver.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) handle(call Call) {
	logger := logging.WithTool(d.opts.StreamID, call.Name, call.CallID)
	d.emit(Status{Type: StatusStarted, Name: call.Name, CallID: call.CallID, Arguments: call.Arguments})

	start := time.Now()
	output, err := d.Execute(d.ctx, call)
	elapsed := time.Since(start)
	d.opts.Metrics.RecordToolCall(call.Name, err != nil, elapsed.Seconds())

	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("Tool call failed")
		d.emit(Status{Type: StatusFailed, Name: call.Name, CallID: call.CallID, Output: output, Error: err.Error(), DurationMs: elapsed.Milliseconds()})
	} else {
		logger.Info().Dur("elapsed", elapsed).Msg("Tool call completed")
		d.emit(Status{Type: StatusCompleted, Name: call.Name, CallID: call.CallID, Output: output, DurationMs: elapsed.Milliseconds()})
	}

	d.deliver(logger, call.CallID, output)
}

// Execute runs call synchronously. The returned output is always the text
// to hand back to the model; err is non-nil when that text is an error.
func (d *Dispatcher) Execute(ctx context.Context, call Call) (output string, err error) {
	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		err = fmt.Errorf("no handler for %s", call.Name)
		return errorOutput(err), err
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		err = errors.New("invalid arguments: malformed JSON")
		return errorOutput(err), err
	}
	if verr := tool.validator.Validate(args); verr != nil {
		err = fmt.Errorf("invalid arguments: %w", verr)
		return errorOutput(err), err
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, herr := tool.Handler(ctx, args)
		done <- result{out: out, err: herr}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.out, nil
		}
		if ctx.Err() == nil {
			return errorOutput(r.err), r.err
		}
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tool timed out after %s", timeout)
	} else {
		err = errors.New("tool call cancelled")
	}
	return errorOutput(err), err
}

func (d *Dispatcher) deliver(logger zerolog.Logger, callID, output string) {
	if d.opts.Sender == nil {
		return
	}
	sender := d.opts.Sender()
	if sender == nil {
		logger.Warn().Msg("Model leg closed, dropping tool output")
		return
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if err := sender.AddFunctionCallOutput(callID, output); err != nil {
		logger.Warn().Err(err).Msg("Failed to send function call output")
		return
	}
	if err := sender.CreateResponse(); err != nil {
		logger.Warn().Err(err).Msg("Failed to request response after tool output")
	}
}

func (d *Dispatcher) emit(s Status) {
	if d.opts.OnStatus == nil {
		return
	}
	s.StreamID = d.opts.StreamID
	d.opts.OnStatus(s)
}

func errorOutput(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
