package keypool

// Defaults for the genai executor.
const (
	DefaultModel           = "gemini-2.0-flash"
	DefaultMaxOutputTokens = 2048
)

// GenerateOption represents options for generation
type GenerateOption func(*generateConfig)

type generateConfig struct {
	ModelName       string
	MaxOutputTokens int
	Temperature     *float32
	BaseURL         string // empty → service default
}

func defaultGenerateConfig() generateConfig {
	return generateConfig{
		ModelName:       DefaultModel,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// WithModelName sets the model name
func WithModelName(name string) GenerateOption {
	return func(cfg *generateConfig) {
		if name != "" {
			cfg.ModelName = name
		}
	}
}

// WithMaxOutputTokens caps the response size.
func WithMaxOutputTokens(n int) GenerateOption {
	return func(cfg *generateConfig) {
		if n > 0 {
			cfg.MaxOutputTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) GenerateOption {
	return func(cfg *generateConfig) { cfg.Temperature = &t }
}

// WithBaseURL points the executor at a different endpoint (proxies, tests).
func WithBaseURL(url string) GenerateOption {
	return func(cfg *generateConfig) { cfg.BaseURL = url }
}
