package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

const chunkIntervalMs = 100

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// chunkBytes is the number of bytes in one chunk interval of audio.
func (w wavFormat) chunkBytes(intervalMs int) int {
	return int(w.SampleRate) * int(w.Channels) * int(w.BitsPerSample/8) * intervalMs / 1000
}

func parseWAVHeader(header []byte) (wavFormat, error) {
	if len(header) < wavHeaderSize {
		return wavFormat{}, errors.New("short WAV header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavFormat{}, errors.New("not a valid WAV file")
	}
	f := wavFormat{
		AudioFormat:   binary.LittleEndian.Uint16(header[20:22]),
		Channels:      binary.LittleEndian.Uint16(header[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(header[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
	}
	if f.AudioFormat != 1 {
		return f, fmt.Errorf("only PCM supported, got format %d", f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return f, fmt.Errorf("only 16-bit samples supported, got %d", f.BitsPerSample)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return f, fmt.Errorf("only mono or stereo supported, got %d channels", f.Channels)
	}
	return f, nil
}

// streamPath picks the relay endpoint for the channel count.
func streamPath(channels uint16) string {
	if channels == 2 {
		return "/ws/dual"
	}
	return "/ws/audio"
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit PCM, mono or stereo)")
	serverAddr := flag.String("server", "localhost:8000", "relay HTTP address")
	index := flag.String("index", "", "downstream index name sent as a control frame")
	wait := flag.Duration("wait", 5*time.Second, "how long to wait for trailing results after the audio ends")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	format, err := parseWAVHeader(header)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d",
		format.Channels, format.SampleRate, format.BitsPerSample)

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: streamPath(format.Channels)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", u.String(), err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", u.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Connection closed: %v", err)
				}
				return
			}
			printNotification(data)
		}
	}()

	if *index != "" {
		ctrl, _ := json.Marshal(map[string]string{"index_name": *index})
		if err := conn.WriteMessage(websocket.TextMessage, ctrl); err != nil {
			log.Fatalf("Failed to send index: %v", err)
		}
	}

	chunk := make([]byte, format.chunkBytes(chunkIntervalMs))
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			chunkNum++
			totalBytes += int64(n)
			if werr := conn.WriteMessage(websocket.BinaryMessage, chunk[:n]); werr != nil {
				log.Fatalf("Failed to send audio: %v", werr)
			}
			if chunkNum%10 == 0 {
				log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
			}
			// Simulate real-time streaming
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}
	}
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))

	// Let the last silence window elapse before ending the stream.
	time.Sleep(*wait)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"end"}`)); err != nil {
		log.Printf("Failed to send end: %v", err)
	}

	select {
	case <-done:
	case <-time.After(*wait):
		log.Println("Timed out waiting for the relay to close")
	}
}

func printNotification(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("<- %s", data)
		return
	}
	switch msg["type"] {
	case "partial":
		log.Printf("   [%v] ... %v", msg["role"], msg["text"])
	case "final":
		log.Printf("   [%v] >>> %v (%v)", msg["role"], msg["text"], msg["turnId"])
	default:
		log.Printf("<- %s", data)
	}
}
