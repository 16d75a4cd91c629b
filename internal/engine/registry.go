package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

var (
	// ErrEngineNotFound is returned when no factory is registered under a name.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrEngineExists is returned when registering a duplicate name.
	ErrEngineExists = errors.New("engine already registered")
)

// Params carry everything a factory may need to build an engine for one
// channel.
type Params struct {
	Channel   int
	Speech    config.SpeechConfig
	Synthesis config.SynthesisConfig
	Playback  config.PlaybackConfig
}

type SynthFactory func(Params) (tts.Synthesizer, error)

type PlayerFactory func(Params) (playback.Player, error)

// Registry maps configured engine names to constructors.
type Registry struct {
	mu      sync.RWMutex
	synths  map[string]SynthFactory
	players map[string]PlayerFactory
}

func NewRegistry() *Registry {
	return &Registry{
		synths:  make(map[string]SynthFactory),
		players: make(map[string]PlayerFactory),
	}
}

func (r *Registry) RegisterSynthesizer(name string, factory SynthFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.synths[name]; exists {
		return fmt.Errorf("synthesizer %q: %w", name, ErrEngineExists)
	}
	r.synths[name] = factory
	return nil
}

func (r *Registry) RegisterPlayer(name string, factory PlayerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.players[name]; exists {
		return fmt.Errorf("player %q: %w", name, ErrEngineExists)
	}
	r.players[name] = factory
	return nil
}

// NewSynthesizer constructs the synthesis engine registered under name.
func (r *Registry) NewSynthesizer(name string, p Params) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.synths[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("synthesizer %q: %w", name, ErrEngineNotFound)
	}
	return factory(p)
}

// NewPlayer constructs the playback engine registered under name.
func (r *Registry) NewPlayer(name string, p Params) (playback.Player, error) {
	r.mu.RLock()
	factory, ok := r.players[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("player %q: %w", name, ErrEngineNotFound)
	}
	return factory(p)
}

func (r *Registry) Synthesizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.synths)
}

func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.players)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
