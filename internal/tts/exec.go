package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd   []string
	opts  Options
	langs languageSet
	run   inflight
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Pitch      int    `json:"pitch"`
	Rate       int    `json:"rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

const execLanguageError = "language_not_supported"

// NewExecSynth runs command once per utterance. The command receives a JSON
// request on stdin and answers with JSON lines of base64 PCM on stdout.
func NewExecSynth(command string, opts Options) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, opts: opts, langs: newLanguageSet(opts.Languages, opts.DefaultLanguage)}, nil
}

func (e *execSynth) Name() string { return "exec" }

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (audio.Clip, error) {
	lang, err := e.langs.resolve(req.Language)
	if err != nil {
		return audio.Clip{}, err
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	runCtx, done := e.run.begin(ctx)
	defer done()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Language:   lang,
		SampleRate: e.opts.SampleRate,
		Channels:   e.opts.Channels,
		Pitch:      e.opts.Pitch,
		Rate:       e.opts.Rate,
	})
	if err != nil {
		return audio.Clip{}, err
	}

	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return audio.Clip{}, err
	}
	if err := cmd.Start(); err != nil {
		return audio.Clip{}, fmt.Errorf("start tts command: %w", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if runCtx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return audio.Clip{}, fmt.Errorf("decode tts response: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			if resp.Error == execLanguageError {
				return audio.Clip{}, ErrLanguageNotSupported
			}
			return audio.Clip{}, fmt.Errorf("tts command: %s", resp.Error)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return audio.Clip{}, fmt.Errorf("decode pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	if runCtx.Err() != nil {
		return audio.Clip{}, deadlineError(ctx, runCtx.Err())
	}
	if waitErr != nil {
		return audio.Clip{}, fmt.Errorf("tts command failed: %w: %s", waitErr, stderr.String())
	}
	if scanErr != nil {
		return audio.Clip{}, scanErr
	}
	return audio.WriteWAV(e.opts.clipPath("exec"), pcm, e.opts.SampleRate, e.opts.Channels)
}

func (e *execSynth) Stop() { e.run.stop() }

func (e *execSynth) SupportedLanguages(context.Context) ([]string, error) {
	return e.langs.all(), nil
}

func (e *execSynth) Voice() Voice {
	return Voice{Pitch: e.opts.Pitch, Rate: e.opts.Rate}
}
