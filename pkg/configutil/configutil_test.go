package configutil

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
	}
	input := map[string]any{
		"apiKey":      "secret",
		"sample-rate": "16000",
	}
	if err := DecodeSettings(input, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" {
		t.Fatalf("api key not decoded: %q", out.APIKey)
	}
	if out.SampleRate != 16000 {
		t.Fatalf("weakly typed int not decoded: %d", out.SampleRate)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"bogus": 1}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "api_key") || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestSecondsAndClamp(t *testing.T) {
	if got := Seconds(1.5, 1); got != 1500*time.Millisecond {
		t.Fatalf("seconds: %v", got)
	}
	if got := Seconds(0, 2); got != 2*time.Second {
		t.Fatalf("seconds fallback: %v", got)
	}
	if got := Clamp(1, 3, 15); got != 3 {
		t.Fatalf("clamp low: %v", got)
	}
	if got := Clamp(30, 3, 15); got != 15 {
		t.Fatalf("clamp high: %v", got)
	}
}
