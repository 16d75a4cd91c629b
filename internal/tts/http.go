package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"golang.org/x/time/rate"
)

// HTTPOptions configure the OpenAI-compatible speech endpoint.
type HTTPOptions struct {
	Endpoint          string
	Model             string
	Voice             string
	APIKey            string
	RequestsPerMinute int
}

type httpSynth struct {
	cfg     HTTPOptions
	opts    Options
	langs   languageSet
	client  *http.Client
	limiter *rate.Limiter
	run     inflight
}

type speechRequest struct {
	Model  string  `json:"model"`
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Format string  `json:"response_format"`
	Speed  float64 `json:"speed,omitempty"`
	Lang   string  `json:"lang_code,omitempty"`
}

const httpReadChunk = 4096

// NewHTTPSynth posts to {endpoint}/v1/audio/speech and stores the returned
// PCM as a clip.
func NewHTTPSynth(cfg HTTPOptions, opts Options) (Synthesizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("tts endpoint empty")
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &httpSynth{
		cfg:     cfg,
		opts:    opts,
		langs:   newLanguageSet(opts.Languages, opts.DefaultLanguage),
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (h *httpSynth) Name() string { return "http" }

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (audio.Clip, error) {
	lang, err := h.langs.resolve(req.Language)
	if err != nil {
		return audio.Clip{}, err
	}
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}
	runCtx, done := h.run.begin(ctx)
	defer done()

	if err := h.limiter.Wait(runCtx); err != nil {
		return audio.Clip{}, deadlineError(ctx, err)
	}

	payload := speechRequest{
		Model:  h.cfg.Model,
		Input:  req.Text,
		Voice:  h.cfg.Voice,
		Format: "pcm",
		Lang:   lang,
	}
	if h.opts.Rate > 0 {
		payload.Speed = float64(h.opts.Rate) / 100
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return audio.Clip{}, err
	}

	url := strings.TrimRight(h.cfg.Endpoint, "/") + "/v1/audio/speech"
	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if runCtx.Err() != nil {
			return audio.Clip{}, deadlineError(ctx, runCtx.Err())
		}
		return audio.Clip{}, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(string(msg), execLanguageError) {
			return audio.Clip{}, ErrLanguageNotSupported
		}
		return audio.Clip{}, fmt.Errorf("tts endpoint error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pcm []byte
	buf := make([]byte, httpReadChunk)
	for {
		if runCtx.Err() != nil {
			return audio.Clip{}, deadlineError(ctx, runCtx.Err())
		}
		n, readErr := resp.Body.Read(buf)
		pcm = append(pcm, buf[:n]...)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if runCtx.Err() != nil {
				return audio.Clip{}, deadlineError(ctx, runCtx.Err())
			}
			return audio.Clip{}, fmt.Errorf("read tts audio: %w", readErr)
		}
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return audio.WriteWAV(h.opts.clipPath("http"), pcm, h.opts.SampleRate, h.opts.Channels)
}

func (h *httpSynth) Stop() { h.run.stop() }

func (h *httpSynth) SupportedLanguages(context.Context) ([]string, error) {
	return h.langs.all(), nil
}

func (h *httpSynth) Voice() Voice {
	return Voice{Pitch: h.opts.Pitch, Rate: h.opts.Rate}
}
