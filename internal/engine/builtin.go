package engine

import (
	"time"

	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Builtin returns a registry holding every engine shipped with the service.
func Builtin() *Registry {
	r := NewRegistry()
	_ = r.RegisterSynthesizer("mock", func(p Params) (tts.Synthesizer, error) {
		return tts.NewMockSynth(synthOptions(p)), nil
	})
	_ = r.RegisterSynthesizer("exec", func(p Params) (tts.Synthesizer, error) {
		return tts.NewExecSynth(p.Synthesis.Command, synthOptions(p))
	})
	_ = r.RegisterSynthesizer("http", func(p Params) (tts.Synthesizer, error) {
		return tts.NewHTTPSynth(tts.HTTPOptions{
			Endpoint:          p.Synthesis.Endpoint,
			Model:             p.Synthesis.Model,
			Voice:             p.Synthesis.Voice,
			APIKey:            p.Synthesis.APIKey,
			RequestsPerMinute: p.Synthesis.RequestsPerMinute,
		}, synthOptions(p))
	})

	_ = r.RegisterPlayer("null", func(p Params) (playback.Player, error) {
		return playback.NewNull(playerOptions(p)), nil
	})
	_ = r.RegisterPlayer("paced", func(p Params) (playback.Player, error) {
		return playback.NewPaced(playerOptions(p)), nil
	})
	_ = r.RegisterPlayer("file", func(p Params) (playback.Player, error) {
		return playback.NewFile(playerOptions(p))
	})
	_ = r.RegisterPlayer("exec", func(p Params) (playback.Player, error) {
		return playback.NewExecPlayer(playerOptions(p))
	})
	_ = r.RegisterPlayer("oto", func(p Params) (playback.Player, error) {
		return playback.NewOto(playerOptions(p), p.Synthesis.SampleRate, p.Synthesis.Channels)
	})
	return r
}

func synthOptions(p Params) tts.Options {
	return tts.Options{
		Channel:         p.Channel,
		AudioDir:        p.Synthesis.AudioDir,
		SampleRate:      p.Synthesis.SampleRate,
		Channels:        p.Synthesis.Channels,
		Pitch:           p.Synthesis.Pitch,
		Rate:            p.Synthesis.SpeechRate,
		Timeout:         time.Duration(p.Synthesis.TimeoutMS) * time.Millisecond,
		Languages:       p.Speech.Languages,
		DefaultLanguage: p.Speech.DefaultLanguage,
	}
}

func playerOptions(p Params) playback.Options {
	return playback.Options{
		Channel:    p.Channel,
		ChunkBytes: p.Playback.ChunkBytes,
		OutputDir:  p.Playback.OutputDir,
		Command:    p.Playback.Command,
	}
}
