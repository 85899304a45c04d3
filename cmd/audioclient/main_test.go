package main

import (
	"encoding/binary"
	"testing"
)

func wavHeader(format, channels uint16, rate uint32, bits uint16) []byte {
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	copy(h[8:12], "WAVE")
	binary.LittleEndian.PutUint16(h[20:22], format)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], rate)
	binary.LittleEndian.PutUint16(h[34:36], bits)
	return h
}

func TestParseWAVHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  []byte
		wantErr bool
		chunk   int
		path    string
	}{
		{"mono 16k", wavHeader(1, 1, 16000, 16), false, 3200, "/ws/audio"},
		{"stereo 8k", wavHeader(1, 2, 8000, 16), false, 3200, "/ws/dual"},
		{"not pcm", wavHeader(3, 1, 16000, 32), true, 0, ""},
		{"8-bit", wavHeader(1, 1, 16000, 8), true, 0, ""},
		{"too many channels", wavHeader(1, 4, 16000, 16), true, 0, ""},
		{"not riff", make([]byte, wavHeaderSize), true, 0, ""},
		{"short", []byte("RIFF"), true, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseWAVHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseWAVHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := f.chunkBytes(100); got != tt.chunk {
				t.Errorf("chunkBytes(100) = %d, want %d", got, tt.chunk)
			}
			if got := streamPath(f.Channels); got != tt.path {
				t.Errorf("streamPath() = %q, want %q", got, tt.path)
			}
		})
	}
}
