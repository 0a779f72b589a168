package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline threshold defaults, applied by [Validate] where the config leaves
// a value unset.
const (
	DefaultSilenceDebounce      = 600 * time.Millisecond
	DefaultSilenceDebounceBusy  = 800 * time.Millisecond
	DefaultMinUtteranceDuration = 500 * time.Millisecond
	DefaultMinUtteranceRMS      = 400.0
	DefaultSilenceTimeout       = 1100 * time.Millisecond
	DefaultMinBufferedFragments = 2
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// pipeline defaults. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if len(cfg.Discord.ChannelIDs) == 0 {
		slog.Warn("discord.channel_ids is empty; the relay will start without joining any voice channel")
	}
	channelsSeen := make(map[string]int, len(cfg.Discord.ChannelIDs))
	for i, id := range cfg.Discord.ChannelIDs {
		if id == "" {
			errs = append(errs, fmt.Errorf("discord.channel_ids[%d] is empty", i))
			continue
		}
		if prev, ok := channelsSeen[id]; ok {
			errs = append(errs, fmt.Errorf("discord.channel_ids[%d] %q is a duplicate of channel_ids[%d]", i, id, prev))
		}
		channelsSeen[id] = i
	}

	// Realtime provider
	validateProviderName("realtime", cfg.Realtime.Name)
	if cfg.Realtime.Name == "" {
		errs = append(errs, errors.New("realtime.name is required"))
	}
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}

	// Pipeline thresholds: fill defaults, reject negatives.
	p := &cfg.Pipeline
	if p.SilenceDebounce < 0 || p.SilenceDebounceBusy < 0 || p.MinUtteranceDuration < 0 ||
		p.SilenceTimeout < 0 || p.ReplyCompletionWindow < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if p.MinUtteranceRMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_utterance_rms %.1f must not be negative", p.MinUtteranceRMS))
	}
	if p.MinBufferedFragments < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_buffered_fragments %d must not be negative", p.MinBufferedFragments))
	}
	if p.SilenceDebounce == 0 {
		p.SilenceDebounce = Duration(DefaultSilenceDebounce)
	}
	if p.SilenceDebounceBusy == 0 {
		p.SilenceDebounceBusy = Duration(DefaultSilenceDebounceBusy)
	}
	if p.MinUtteranceDuration == 0 {
		p.MinUtteranceDuration = Duration(DefaultMinUtteranceDuration)
	}
	if p.MinUtteranceRMS == 0 {
		p.MinUtteranceRMS = DefaultMinUtteranceRMS
	}
	if p.SilenceTimeout == 0 {
		p.SilenceTimeout = Duration(DefaultSilenceTimeout)
	}
	if p.MinBufferedFragments == 0 {
		p.MinBufferedFragments = DefaultMinBufferedFragments
	}
	if p.SilenceDebounceBusy < p.SilenceDebounce {
		slog.Warn("pipeline.silence_debounce_busy is shorter than silence_debounce; interjections will finalize faster while a reply is in flight",
			"debounce", p.SilenceDebounce.Std(),
			"debounce_busy", p.SilenceDebounceBusy.Std(),
		)
	}
	if p.AllowReplyCompletion && p.ReplyCompletionWindow == 0 {
		errs = append(errs, errors.New("pipeline.reply_completion_window is required when allow_reply_completion is set"))
	}

	// Transcript availability
	if cfg.Transcript.PostgresDSN == "" {
		slog.Warn("transcript.postgres_dsn is empty; transcripts will be kept in memory only")
	}

	// Recap
	if cfg.Recap.Enabled {
		if cfg.Recap.APIKey == "" && cfg.Realtime.APIKey == "" {
			errs = append(errs, errors.New("recap.api_key is required when recap is enabled and realtime.api_key is empty"))
		}
		if cfg.Discord.TextChannelID == "" {
			errs = append(errs, errors.New("discord.text_channel_id is required when recap is enabled"))
		}
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
