// Transcript viewer: consumes the relay's Kafka topics, prints each event and
// rebroadcasts it to websocket subscribers on /ws.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-relay-service/internal/events"
	"speech-relay-service/internal/observability/logging"
)

// Hub fans events out to websocket subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *Hub {
	return &Hub{clients: map[*websocket.Conn]struct{}{}}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	log.Info().Int("clients", len(h.clients)).Msg("Viewer connected")
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
		log.Info().Int("clients", len(h.clients)).Msg("Viewer disconnected")
	}
}

func (h *Hub) broadcast(env events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(env); err != nil {
			log.Warn().Err(err).Msg("Viewer write failed")
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		hub.add(conn)

		// Reads only detect the disconnect.
		go func() {
			defer hub.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// describe renders one event as a terminal line.
func describe(env events.Envelope) string {
	switch env.EventType {
	case events.EventTypeTurnFinalized:
		return fmt.Sprintf("[%s] TURN %s key=%s: %s", env.Role, env.TurnID, env.ContextKey, env.Text)
	case events.EventTypePartial:
		return fmt.Sprintf("[%s] ... %s", env.Role, truncate(env.Text, 60))
	default:
		return fmt.Sprintf("%s: %s", env.EventType, truncate(env.Text, 60))
	}
}

func consume(ctx context.Context, hub *Hub, brokers []string, topic string, since time.Duration) {
	// Partition reader without a consumer group works through port-forwards.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not seek, reading from the start")
	}
	log.Info().Str("topic", topic).Dur("since", since).Msg("Consuming")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read failed")
			time.Sleep(time.Second)
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Undecodable event skipped")
			continue
		}
		fmt.Println(describe(env))
		hub.broadcast(env)
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", "relay.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "relay.turn.finalized", "Finalized turn topic")
	since := flag.Duration("since", time.Hour, "replay events newer than this")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	brokerList := strings.Split(*brokers, ",")
	go consume(ctx, hub, brokerList, *topicPartial, *since)
	go consume(ctx, hub, brokerList, *topicFinal, *since)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(hub))
	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", *port).Strs("brokers", brokerList).Msg("Transcript viewer started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
