// Package config provides the configuration schema, loader, and provider
// registry for the Voxkeeper session agent.
package config

// LogLevel controls log verbosity for the Voxkeeper process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [LoadFromReader] when the corresponding field
// is absent from the YAML document.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSamples     = 4096
	DefaultMaxPreviewChars  = 8000
)

// Config is the root configuration structure for Voxkeeper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Defaults to "info" when empty.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the metrics/health HTTP server listens
	// on (e.g., ":9090"). When empty, no HTTP server is started.
	MetricsAddr string `yaml:"metrics_addr"`

	Agent  AgentConfig  `yaml:"agent"`
	Audio  AudioConfig  `yaml:"audio"`
	Script ScriptConfig `yaml:"script"`
}

// AgentConfig selects and configures the realtime voice backend.
type AgentConfig struct {
	// Provider selects the registered channel provider (e.g., "gemini-live").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-2.0-flash-live-001").
	Model string `yaml:"model"`

	// Voice is the provider-specific prebuilt voice name (e.g., "Charon").
	Voice string `yaml:"voice"`

	// Persona is a free-text persona description injected into the
	// session's system instruction ahead of the loaded scene material.
	Persona string `yaml:"persona"`
}

// AudioConfig holds sample-rate and framing parameters for the audio path.
type AudioConfig struct {
	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz. Must match the rate the
	// configured model emits audio at.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSamples is the number of samples read from the microphone per frame.
	FrameSamples int `yaml:"frame_samples"`
}

// ScriptConfig holds settings for scene material loading.
type ScriptConfig struct {
	// MaxPreviewChars caps how many characters of a scene text file are
	// carried into the system instruction.
	MaxPreviewChars int `yaml:"max_preview_chars"`
}
