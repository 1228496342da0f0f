// Command callviewer shows live call events in the browser. It consumes the
// relay's status and transcript topics from Kafka and pushes them to
// websocket clients.
package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"voice-call-relay/internal/observability/logging"
)

//go:embed static/*
var staticFiles embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		h.add(conn, r.URL.Query().Get("stream"))
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func consume(ctx context.Context, h *hub, brokers []string, group, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()

	logger := log.With().Str("topic", topic).Logger()
	logger.Info().Msg("Consuming call events")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeEvent(topic, msg.Key, msg.Value)
		if err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable event")
			continue
		}
		h.broadcast(ev)
	}
}

func main() {
	port := flag.String("port", "8090", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	group := flag.String("group", "callviewer", "Kafka consumer group")
	topicStatus := flag.String("topic-status", "voice.relay.call.status", "Call status topic")
	topicTranscript := flag.String("topic-transcript", "voice.relay.call.transcript", "Transcript topic")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHub(2 * time.Second)
	brokerList := strings.Split(*brokers, ",")
	go consume(ctx, h, brokerList, *group, *topicStatus)
	go consume(ctx, h, brokerList, *group, *topicTranscript)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatal().Err(err).Msg("Static files missing")
	}
	r := chi.NewRouter()
	r.Get("/ws", wsHandler(h))
	r.Handle("/*", http.FileServer(http.FS(staticFS)))

	srv := &http.Server{Addr: ":" + *port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", "http://localhost:"+*port).Strs("brokers", brokerList).Msg("Call viewer starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
