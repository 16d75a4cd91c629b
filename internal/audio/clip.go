package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Clip is a synthesized utterance stored as a 16-bit PCM WAV file.
type Clip struct {
	Path       string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// PCM holds decoded little-endian signed 16-bit samples.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of the stream.
func (p PCM) BytesPerSecond() int {
	return p.SampleRate * p.Channels * bitDepth / 8
}

// Duration returns how long the samples take to play.
func (p PCM) Duration() time.Duration {
	return DurationOf(len(p.Data), p.SampleRate, p.Channels)
}

// DurationOf computes the playback length of n bytes of 16-bit PCM.
func DurationOf(n, sampleRate, channels int) time.Duration {
	rate := sampleRate * channels * bitDepth / 8
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Silence returns d worth of zeroed PCM.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return make([]byte, frames*channels*bitDepth/8)
}

// WriteWAV encodes raw PCM into a WAV file at path.
func WriteWAV(path string, pcm []byte, sampleRate, channels int) (Clip, error) {
	if len(pcm)%2 != 0 {
		return Clip{}, fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return Clip{}, fmt.Errorf("invalid pcm format %d Hz x %d", sampleRate, channels)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Clip{}, fmt.Errorf("create audio dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return Clip{}, fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}

	enc := wav.NewEncoder(file, sampleRate, bitDepth, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return Clip{}, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Clip{}, fmt.Errorf("close wav encoder: %w", err)
	}
	return Clip{
		Path:       path,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   DurationOf(len(pcm), sampleRate, channels),
	}, nil
}

// ReadPCM decodes the WAV file behind a clip.
func ReadPCM(path string) (PCM, error) {
	file, err := os.Open(path)
	if err != nil {
		return PCM{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return PCM{}, errors.New("invalid wav file")
	}
	if dec.BitDepth != bitDepth {
		return PCM{}, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	data := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(sample)))
	}
	return PCM{
		Data:       data,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}
