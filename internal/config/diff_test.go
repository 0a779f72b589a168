package config_test

import (
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Pipeline: config.PipelineConfig{
			SilenceDebounce:      config.Duration(600 * time.Millisecond),
			SilenceDebounceBusy:  config.Duration(800 * time.Millisecond),
			MinUtteranceDuration: config.Duration(500 * time.Millisecond),
			MinUtteranceRMS:      400,
			SilenceTimeout:       config.Duration(1100 * time.Millisecond),
			MinBufferedFragments: 2,
		},
		Recap: config.RecapConfig{Enabled: false},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	d := config.Diff(old, new)
	if d.PipelineChanged || d.LogLevelChanged || d.RecapChanged {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
	if d.PipelineChanged || d.RecapChanged {
		t.Errorf("unrelated fields flagged: %+v", d)
	}
}

func TestDiff_PipelineChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Pipeline.SilenceDebounce = config.Duration(900 * time.Millisecond)

	d := config.Diff(old, new)
	if !d.PipelineChanged {
		t.Fatal("expected PipelineChanged")
	}
	if d.NewPipeline.SilenceDebounce.Std() != 900*time.Millisecond {
		t.Errorf("NewPipeline.SilenceDebounce = %v", d.NewPipeline.SilenceDebounce.Std())
	}
}

func TestDiff_RecapChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Recap.Enabled = true
	new.Recap.Model = "gpt-4o-mini"

	d := config.Diff(old, new)
	if !d.RecapChanged {
		t.Fatal("expected RecapChanged")
	}
	if !d.NewRecap.Enabled || d.NewRecap.Model != "gpt-4o-mini" {
		t.Errorf("NewRecap = %+v", d.NewRecap)
	}
}

func TestDiff_TransportChangesIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Discord.Token = "rotated-token"
	new.Realtime.Name = "openai"

	d := config.Diff(old, new)
	if d.PipelineChanged || d.LogLevelChanged || d.RecapChanged {
		t.Errorf("credential changes should not appear in diff: %+v", d)
	}
}
