package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// PipelineChanged is true if any capture or playback threshold changed.
	PipelineChanged bool
	NewPipeline     PipelineConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	RecapChanged bool
	NewRecap     RecapConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: pipeline
// thresholds, log level, and recap settings. Transport credentials, provider
// selection, and MCP server wiring require a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Recap != new.Recap {
		d.RecapChanged = true
		d.NewRecap = new.Recap
	}

	return d
}
