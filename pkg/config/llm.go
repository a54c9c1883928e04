package config

import "github.com/CTG813819/lvl-up-sub003/pkg/models"

// ProviderConfig describes one OpenAI-compatible provider endpoint.
// An empty APIKey disables the provider.
type ProviderConfig struct {
	Slot    models.Provider `yaml:"slot"`
	BaseURL string          `yaml:"base_url"`
	APIKey  string          `yaml:"-"`
	Model   string          `yaml:"model"`
}

// Enabled reports whether the provider can be called.
func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

// LLMConfig holds both provider slots.
type LLMConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`
}

// DefaultLLMConfig returns provider defaults; API keys come from the
// environment only and are never read from files.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Primary: ProviderConfig{
			Slot:    models.ProviderPrimary,
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Secondary: ProviderConfig{
			Slot:    models.ProviderSecondary,
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "anthropic/claude-3.5-haiku",
		},
	}
}
