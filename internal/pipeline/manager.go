package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// Manager is the keyed registry of live sessions, one orchestrator per voice
// channel. Sessions are inserted explicitly on Start and removed on Stop or
// when their connections close; there are no ambient globals.
//
// Safe for concurrent use.
type Manager struct {
	platform audio.Platform
	provider realtime.Provider
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Orchestrator
}

// NewManager creates a Manager that builds orchestrators from the given
// collaborators.
func NewManager(platform audio.Platform, provider realtime.Provider, cfg Config, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		platform: platform,
		provider: provider,
		opts:     opts,
		log:      log,
		cfg:      cfg,
		sessions: make(map[string]*Orchestrator),
	}
}

// Start establishes a session for channelID. Starting a channel that already
// has a live session is an error. When the session's connections close on
// their own, the session removes itself from the registry.
func (m *Manager) Start(ctx context.Context, channelID string) error {
	m.mu.Lock()
	if _, exists := m.sessions[channelID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("pipeline: session %s already active", channelID)
	}
	cfg := m.cfg
	m.mu.Unlock()

	o := NewOrchestrator(channelID, m.platform, m.provider, cfg, m.opts)
	if err := o.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[channelID] = o
	m.mu.Unlock()

	go func() {
		if err := o.Wait(); err != nil {
			m.log.Error("session ended", "session", channelID, "err", err)
		}
		o.Stop()
		m.remove(channelID, o)
	}()

	m.log.Info("session started", "session", channelID)
	return nil
}

// Stop tears down the session for channelID. Stopping an unknown channel is
// not an error.
func (m *Manager) Stop(channelID string) {
	m.mu.Lock()
	o := m.sessions[channelID]
	delete(m.sessions, channelID)
	m.mu.Unlock()

	if o != nil {
		o.Stop()
	}
}

// StopAll tears down every live session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	active := make([]*Orchestrator, 0, len(m.sessions))
	for id, o := range m.sessions {
		active = append(active, o)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, o := range active {
		o.Stop()
	}
}

// Active returns the channel IDs of live sessions, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateConfig swaps the pipeline thresholds for future sessions and pushes
// them to every live orchestrator. Used by the config hot-reload path.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	active := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		active = append(active, o)
	}
	m.mu.Unlock()

	for _, o := range active {
		o.UpdateConfig(cfg)
	}
}

// remove deletes the session only if it is still the registered one, so a
// restart under the same ID is not clobbered by a late self-removal.
func (m *Manager) remove(channelID string, o *Orchestrator) {
	m.mu.Lock()
	if m.sessions[channelID] == o {
		delete(m.sessions, channelID)
	}
	m.mu.Unlock()
}
