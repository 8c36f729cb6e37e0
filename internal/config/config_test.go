package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Search.DefaultProvider == "" {
		t.Error("default provider not set")
	}
	if cfg.Research.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Research.MaxIterations)
	}
	if cfg.Research.SufficiencyThreshold != 0.8 {
		t.Errorf("sufficiency_threshold = %f", cfg.Research.SufficiencyThreshold)
	}
	if cfg.Research.AnalysisModel == "" || cfg.Research.SynthesisModel == "" {
		t.Error("model defaults missing")
	}
}

func TestLoadBindsEnvironment(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("TAVILY_API_KEY", "tv-secret")
	t.Setenv("GEMINI_API_KEY", "gm-secret")
	t.Setenv("SEARCH_PROVIDER", "duckduckgo")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Search.APIKeys["tavily"] != "tv-secret" {
		t.Errorf("tavily key = %q", cfg.Search.APIKeys["tavily"])
	}
	if cfg.AI.Gemini.APIKey != "gm-secret" {
		t.Errorf("gemini key = %q", cfg.AI.Gemini.APIKey)
	}
	if cfg.Search.DefaultProvider != "duckduckgo" {
		t.Errorf("provider = %q", cfg.Search.DefaultProvider)
	}
}

func TestDurationAccessors(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPTimeout() <= 0 {
		t.Errorf("http timeout = %v", cfg.HTTPTimeout())
	}
	if cfg.SessionExpiration() <= 0 {
		t.Errorf("session expiration = %v", cfg.SessionExpiration())
	}
}
