package audio

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndReadPCM(t *testing.T) {
	pcm := make([]byte, 8)
	for i, v := range []int16{0, 1200, -1200, 32000} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "nested", "clip.wav")
	clip, err := WriteWAV(path, pcm, 16000, 1)
	if err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if clip.Path != path || clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("unexpected clip: %+v", clip)
	}

	decoded, err := ReadPCM(path)
	if err != nil {
		t.Fatalf("read pcm: %v", err)
	}
	if decoded.SampleRate != 16000 || decoded.Channels != 1 {
		t.Fatalf("unexpected format: %d Hz x %d", decoded.SampleRate, decoded.Channels)
	}
	if string(decoded.Data) != string(pcm) {
		t.Fatalf("pcm mismatch: %v vs %v", decoded.Data, pcm)
	}
}

func TestWriteRejectsOddPayload(t *testing.T) {
	if _, err := WriteWAV(filepath.Join(t.TempDir(), "bad.wav"), []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestDurationAndSilence(t *testing.T) {
	data := Silence(500*time.Millisecond, 22050, 1)
	if len(data) != 22050 {
		t.Fatalf("expected 22050 bytes, got %d", len(data))
	}
	if got := DurationOf(len(data), 22050, 1); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", got)
	}
}
