package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execPlayer struct {
	args []string
	opts Options
	run  inflight
}

// NewExecPlayer streams raw PCM to the stdin of command. The tokens {rate}
// and {channels} are replaced with the clip's format, e.g.
// "aplay -q -t raw -f S16_LE -r {rate} -c {channels}".
func NewExecPlayer(opts Options) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &execPlayer{args: args, opts: opts}, nil
}

func (p *execPlayer) Name() string { return "exec" }

func (p *execPlayer) Play(ctx context.Context, clip audio.Clip) error {
	ctx, done := p.run.begin(ctx)
	defer done()

	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		return err
	}

	replacer := strings.NewReplacer(
		"{rate}", strconv.Itoa(pcm.SampleRate),
		"{channels}", strconv.Itoa(pcm.Channels),
	)
	args := make([]string, len(p.args))
	for i, arg := range p.args {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback command: %w", err)
	}

	streamErr := stream(ctx, pcm.Data, p.opts.chunkBytes(), func(chunk []byte) error {
		_, err := stdin.Write(chunk)
		return err
	})
	_ = stdin.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		return fmt.Errorf("write playback command: %w", streamErr)
	}
	if waitErr != nil {
		return fmt.Errorf("playback command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *execPlayer) Stop() { p.run.stop() }
