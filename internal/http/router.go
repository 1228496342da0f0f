package http

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voice-call-relay/internal/service/relay"
	"voice-call-relay/internal/service/tools"
)

// Deps are the collaborators served by the router.
type Deps struct {
	Relay     *relay.Relay
	Tools     *tools.Registry
	PublicURL string
	// MaxMessageBytes caps inbound websocket frames.
	MaxMessageBytes int64
	Ready           func() bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewRouter constructs the HTTP router for the relay.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if d.Ready != nil && !d.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tools", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Tools.Definitions())
		})
		r.Get("/calls", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, callSummaries(d.Relay))
		})
	})

	r.Get("/call", telephonyHandler(d))
	r.Get("/logs", observerHandler(d))
	r.Get("/twiml", twimlHandler(d.PublicURL))
	r.Post("/twiml", twimlHandler(d.PublicURL))
	r.Get("/public-url", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"publicUrl": d.PublicURL,
			"streamUrl": streamURL(d.PublicURL, r),
		})
	})

	return r
}

func upgrade(w http.ResponseWriter, r *http.Request, limit int64) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Websocket upgrade failed")
		return nil, false
	}
	if limit > 0 {
		conn.SetReadLimit(limit)
	}
	return conn, true
}

func telephonyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := upgrade(w, r, d.MaxMessageBytes)
		if !ok {
			return
		}
		d.Relay.ServeTelephony(conn)
	}
}

func observerHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := upgrade(w, r, d.MaxMessageBytes)
		if !ok {
			return
		}
		stream := r.URL.Query().Get("stream")
		if err := d.Relay.ServeObserver(conn, stream); err != nil {
			if errors.Is(err, relay.ErrUnknownStream) {
				log.Info().Str("stream", stream).Msg("Observer asked for unknown stream")
				return
			}
			log.Warn().Err(err).Msg("Observer ended with error")
		}
	}
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Stream  twimlStream `xml:"Connect>Stream"`
}

// twimlHandler answers the provider's voice webhook by connecting the call
// to the media stream endpoint.
func twimlHandler(publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := xml.Marshal(twimlResponse{Stream: twimlStream{URL: streamURL(publicURL, r)}})
		if err != nil {
			http.Error(w, "twiml encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		_, _ = w.Write(body)
	}
}

// streamURL is the websocket URL of /call, derived from the public URL or,
// when unset, the request host.
func streamURL(publicURL string, r *http.Request) string {
	base := publicURL
	switch {
	case base == "":
		base = "wss://" + r.Host
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "wss://" + base
	}
	return strings.TrimRight(base, "/") + "/call"
}

type callSummary struct {
	StreamID    string `json:"streamId"`
	State       string `json:"state"`
	HasModel    bool   `json:"hasModel"`
	HasObserver bool   `json:"hasObserver"`
}

func callSummaries(rl *relay.Relay) []callSummary {
	reg := rl.Registry()
	out := make([]callSummary, 0, reg.Len())
	for _, id := range reg.StreamIDs() {
		s, ok := reg.Get(id)
		if !ok {
			continue
		}
		out = append(out, callSummary{
			StreamID:    id,
			State:       s.State().String(),
			HasModel:    s.HasModel(),
			HasObserver: s.HasObserver(),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}
