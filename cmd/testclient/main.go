package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Smoke test: connects, sends silence plus control frames and prints
// everything the relay sends back. Against the mock provider every frame
// advances the scripted transcript.
func main() {
	serverAddr := flag.String("server", "localhost:8000", "relay HTTP address")
	path := flag.String("path", "/ws/audio", "relay endpoint (/ws/audio or /ws/dual)")
	frames := flag.Int("frames", 12, "number of silent audio frames to send")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: *path, RawQuery: "index_name=smoke-test"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("Connected to server")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				log.Printf("connection closed: %v", err)
				return
			}
			out, _ := json.Marshal(msg)
			log.Printf("<- %s", out)
		}
	}()

	// Invalid control frames are logged and ignored by the relay.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"index_name":""}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"context_key":"smoke-test-2"}`))

	silence := make([]byte, 3200) // 100ms of 16kHz 16-bit mono
	for i := 0; i < *frames; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, silence); err != nil {
			log.Fatalf("failed to send frame: %v", err)
		}
		log.Printf("Sent frame %d", i+1)
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(3 * time.Second)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"end"}`)); err != nil {
		log.Fatalf("failed to send end: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("timed out waiting for close")
	}
}
