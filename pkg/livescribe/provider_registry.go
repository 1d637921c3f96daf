package livescribe

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/livescribe/pkg/configutil"
	"github.com/harunnryd/livescribe/pkg/llm"
	"github.com/harunnryd/livescribe/pkg/stt"
)

type deepgramSettings struct {
	APIKey     string  `mapstructure:"api_key"`
	Model      string  `mapstructure:"model"`
	Language   string  `mapstructure:"language"`
	TimeoutSec float64 `mapstructure:"timeout_sec"`
}

type openaiSettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type mockSettings struct {
	Texts     []string `mapstructure:"texts"`
	LatencyMS int      `mapstructure:"latency_ms"`
}

var sttSchemas = map[string]configutil.Schema{
	"deepgram": {
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "timeout_sec"},
	},
	"mock": {
		Optional: []string{"texts", "latency_ms"},
	},
}

var llmSchemas = map[string]configutil.Schema{
	"openai": {
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url"},
	},
	"groq": {
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url"},
	},
	"mock": {
		Optional: []string{"texts", "latency_ms"},
	},
}

// BuildTranscriber constructs the transcription backend named by cfg.
func BuildTranscriber(cfg VendorConfig) (stt.Transcriber, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	schema, ok := sttSchemas[provider]
	if !ok {
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
	if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
		return nil, fmt.Errorf("stt %s settings: %w", provider, err)
	}
	switch provider {
	case "deepgram":
		var s deepgramSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:   s.APIKey,
			Model:    s.Model,
			Language: s.Language,
			Timeout:  configutil.Seconds(s.TimeoutSec, 30),
		}), nil
	case "mock":
		var s mockSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return stt.NewMock(stt.MockConfig{
			Texts:   s.Texts,
			Latency: time.Duration(s.LatencyMS) * time.Millisecond,
		}), nil
	}
	return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
}

// BuildLLMClient constructs the insight backend named by cfg. An empty
// provider returns nil: insights are simply unavailable.
func BuildLLMClient(cfg VendorConfig) (llm.Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		return nil, nil
	}
	schema, ok := llmSchemas[provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
		return nil, fmt.Errorf("llm %s settings: %w", provider, err)
	}
	switch provider {
	case "openai", "groq":
		var s openaiSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		client := llm.NewOpenAI(s.APIKey, s.Model)
		if s.BaseURL != "" {
			client.BaseURL = strings.TrimRight(s.BaseURL, "/")
		} else if provider == "groq" {
			client.BaseURL = "https://api.groq.com/openai/v1"
		}
		return client, nil
	case "mock":
		var s mockSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return llm.NewMock(llm.MockConfig{
			Texts:   s.Texts,
			Latency: time.Duration(s.LatencyMS) * time.Millisecond,
		}), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
