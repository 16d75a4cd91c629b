package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceExporter is otlp, stdout or none. Empty picks otlp when an
	// endpoint is set and stdout otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Playback    PlaybackConfig   `yaml:"playback"`
	System      SystemConfig     `yaml:"system"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	ClientName     string   `yaml:"client_name"`
	// EventStream names the JetStream stream that retains message status
	// events. Empty disables it.
	EventStream string `yaml:"event_stream"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxMessages     int    `yaml:"max_messages"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
}

// SpeechConfig controls the dispatcher: how many output channels exist and
// which engines each of them is bound to.
type SpeechConfig struct {
	Channels        int              `yaml:"channels"`
	SynthesisEngine string           `yaml:"synthesis_engine"`
	PlaybackEngine  string           `yaml:"playback_engine"`
	Bindings        []ChannelBinding `yaml:"bindings"`
	DefaultLanguage string           `yaml:"default_language"`
	Languages       []string         `yaml:"languages"`
}

// ChannelBinding overrides the default engines for one channel.
type ChannelBinding struct {
	Channel   int    `yaml:"channel"`
	Synthesis string `yaml:"synthesis"`
	Playback  string `yaml:"playback"`
}

type SynthesisConfig struct {
	AudioDir          string `yaml:"audio_dir"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	Pitch             int    `yaml:"pitch"`
	SpeechRate        int    `yaml:"speech_rate"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	Command           string `yaml:"command"`
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type PlaybackConfig struct {
	Command    string `yaml:"command"`
	OutputDir  string `yaml:"output_dir"`
	ChunkBytes int    `yaml:"chunk_bytes"`
	FadeOutMS  int    `yaml:"fade_out_ms"`
}

// SystemConfig describes where GetStatus looks up the system volume and
// menu language.
type SystemConfig struct {
	Lookup              bool   `yaml:"lookup"`
	VolumeSubject       string `yaml:"volume_subject"`
	SettingsSubject     string `yaml:"settings_subject"`
	TimeoutMS           int    `yaml:"timeout_ms"`
	DefaultVolume       int    `yaml:"default_volume"`
	DefaultMenuLanguage string `yaml:"default_menu_language"`
}

// Binding resolves the engine names for a channel.
func (s SpeechConfig) Binding(channel int) ChannelBinding {
	b := ChannelBinding{Channel: channel, Synthesis: s.SynthesisEngine, Playback: s.PlaybackEngine}
	for _, override := range s.Bindings {
		if override.Channel != channel {
			continue
		}
		if override.Synthesis != "" {
			b.Synthesis = override.Synthesis
		}
		if override.Playback != "" {
			b.Playback = override.Playback
		}
	}
	return b
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9092",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ClientName:     "loqa-tts",
			EventStream:    "TTS_EVENTS",
		},
		Node: NodeConfig{
			ID:                "loqa-tts-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "tts.dispatch", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:            "./data/loqa-tts.db",
			RetentionMode:   "session",
			RetentionDays:   7,
			MaxMessages:     10000,
			PruneIntervalMS: 3600000,
		},
		Speech: SpeechConfig{
			Channels:        2,
			SynthesisEngine: "mock",
			PlaybackEngine:  "paced",
			DefaultLanguage: "en-US",
		},
		Synthesis: SynthesisConfig{
			AudioDir:          "./data/audio",
			SampleRate:        22050,
			Channels:          1,
			Pitch:             100,
			SpeechRate:        100,
			TimeoutMS:         30000,
			Endpoint:          "http://localhost:8880",
			Model:             "kokoro",
			Voice:             "af_heart",
			RequestsPerMinute: 60,
		},
		Playback: PlaybackConfig{
			OutputDir:  "./data/playback",
			ChunkBytes: 1024,
			FadeOutMS:  300,
		},
		System: SystemConfig{
			Lookup:              true,
			VolumeSubject:       "system.volume",
			SettingsSubject:     "system.settings",
			TimeoutMS:           1000,
			DefaultVolume:       50,
			DefaultMenuLanguage: "en-US",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.ClientName, "LOQA_BUS_CLIENT_NAME")
	overrideString(&cfg.Bus.EventStream, "LOQA_BUS_EVENT_STREAM")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxMessages, "LOQA_EVENT_STORE_MAX_MESSAGES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneIntervalMS, "LOQA_EVENT_STORE_PRUNE_INTERVAL_MS")
	overrideInt(&cfg.Speech.Channels, "LOQA_SPEECH_CHANNELS")
	overrideString(&cfg.Speech.SynthesisEngine, "LOQA_SPEECH_SYNTHESIS_ENGINE")
	overrideString(&cfg.Speech.PlaybackEngine, "LOQA_SPEECH_PLAYBACK_ENGINE")
	overrideString(&cfg.Speech.DefaultLanguage, "LOQA_SPEECH_DEFAULT_LANGUAGE")
	overrideStringSlice(&cfg.Speech.Languages, "LOQA_SPEECH_LANGUAGES")
	overrideString(&cfg.Synthesis.AudioDir, "LOQA_SYNTHESIS_AUDIO_DIR")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "LOQA_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.Pitch, "LOQA_SYNTHESIS_PITCH")
	overrideInt(&cfg.Synthesis.SpeechRate, "LOQA_SYNTHESIS_SPEECH_RATE")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "LOQA_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Model, "LOQA_SYNTHESIS_MODEL")
	overrideString(&cfg.Synthesis.Voice, "LOQA_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.APIKey, "LOQA_SYNTHESIS_API_KEY")
	overrideInt(&cfg.Synthesis.RequestsPerMinute, "LOQA_SYNTHESIS_REQUESTS_PER_MINUTE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.OutputDir, "LOQA_PLAYBACK_OUTPUT_DIR")
	overrideInt(&cfg.Playback.ChunkBytes, "LOQA_PLAYBACK_CHUNK_BYTES")
	overrideInt(&cfg.Playback.FadeOutMS, "LOQA_PLAYBACK_FADE_OUT_MS")
	overrideBool(&cfg.System.Lookup, "LOQA_SYSTEM_LOOKUP")
	overrideString(&cfg.System.VolumeSubject, "LOQA_SYSTEM_VOLUME_SUBJECT")
	overrideString(&cfg.System.SettingsSubject, "LOQA_SYSTEM_SETTINGS_SUBJECT")
	overrideInt(&cfg.System.TimeoutMS, "LOQA_SYSTEM_TIMEOUT_MS")
	overrideInt(&cfg.System.DefaultVolume, "LOQA_SYSTEM_DEFAULT_VOLUME")
	overrideString(&cfg.System.DefaultMenuLanguage, "LOQA_SYSTEM_DEFAULT_MENU_LANGUAGE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch strings.ToLower(cfg.Telemetry.TraceExporter) {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	if cfg.Speech.SynthesisEngine == "" {
		return errors.New("speech.synthesis_engine must not be empty")
	}
	if cfg.Speech.PlaybackEngine == "" {
		return errors.New("speech.playback_engine must not be empty")
	}
	for _, b := range cfg.Speech.Bindings {
		if b.Channel < 0 || b.Channel >= cfg.Speech.Channels {
			return fmt.Errorf("speech.bindings channel %d out of range [0,%d)", b.Channel, cfg.Speech.Channels)
		}
	}
	if cfg.Speech.DefaultLanguage == "" {
		return errors.New("speech.default_language must not be empty")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Synthesis.TimeoutMS < 0 {
		return errors.New("synthesis.timeout_ms must be >= 0")
	}
	if cfg.Synthesis.RequestsPerMinute < 0 {
		return errors.New("synthesis.requests_per_minute must be >= 0")
	}
	if cfg.Playback.ChunkBytes <= 0 || cfg.Playback.ChunkBytes%2 != 0 {
		return errors.New("playback.chunk_bytes must be a positive even number")
	}
	if cfg.System.Lookup && cfg.System.TimeoutMS <= 0 {
		return errors.New("system.timeout_ms must be positive when lookup is enabled")
	}
	return nil
}
