// Package character owns the per-character Session Manager map: the set of
// live realtime voice sessions keyed by character name, the lock discipline
// around starting/stopping them, and the hot-reload path that decides
// whether a config change can be applied to a running session in place or
// requires tearing it down and reconnecting.
package character

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/session"
)

// ErrSessionActive is returned by Start when a character already has a
// running session.
var ErrSessionActive = errors.New("character: session already active")

// ErrUnknownCharacter is returned by operations referencing a character name
// not present in the registry.
var ErrUnknownCharacter = errors.New("character: unknown character")

// entry is one character's live bookkeeping: its resolved config, its
// Session (nil until Start succeeds), and a per-character lock so
// concurrent Start/Stop/HotReload calls for the same character serialize
// without blocking unrelated characters.
type entry struct {
	mu   sync.Mutex
	cfg  config.CharacterConfig
	sess *session.Session
}

// Registry is the Main process's map of character name to running Session.
// A Registry is safe for concurrent use.
type Registry struct {
	registry *config.Registry

	mu       sync.RWMutex
	entries  map[string]*entry
}

// New creates an empty Registry. providerRegistry supplies the s2s.Provider
// factories used to build each character's upstream connection.
func New(providerRegistry *config.Registry) *Registry {
	return &Registry{
		registry: providerRegistry,
		entries:  make(map[string]*entry),
	}
}

// Configure registers (or replaces the config of) a character without
// starting its session. It is called once per character at startup, and
// again by the hot-reload path for config-only changes.
func (r *Registry) Configure(cfg config.CharacterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cfg.Name]
	if !ok {
		r.entries[cfg.Name] = &entry{cfg: cfg}
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Remove tears down (if running) and forgets a character entirely, used
// when a character is deleted from the config on hot-reload.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCharacter, name)
	}
	return r.stopEntry(e)
}

// Start builds the character's upstream provider and connects its Session,
// using callbacks as the session's event sink. Returns [ErrSessionActive] if
// already running.
func (r *Registry) Start(ctx context.Context, name string, callbacks session.Callbacks) (*session.Session, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharacter, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && e.sess.State() != session.StateClosed {
		return nil, fmt.Errorf("%w: %q", ErrSessionActive, name)
	}

	provider, err := r.registry.CreateS2S(e.cfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("character: build provider for %q: %w", name, err)
	}

	sessCfg := session.Config{
		ProviderName:   e.cfg.Realtime.Name,
		VoiceID:        e.cfg.VoiceID,
		Instructions:   e.cfg.SystemPrompt,
		UserLanguage:   e.cfg.UserLanguage,
		AggressiveIdle: e.cfg.AggressiveIdle,
	}
	sess := session.New(sessCfg, provider, nil, callbacks)
	if err := sess.Connect(ctx); err != nil {
		return nil, fmt.Errorf("character: connect %q: %w", name, err)
	}
	e.sess = sess
	return sess, nil
}

// Stop closes the character's running Session, if any.
func (r *Registry) Stop(name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCharacter, name)
	}
	return r.stopEntry(e)
}

func (r *Registry) stopEntry(e *entry) error {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Get returns the character's live Session, if one is running.
func (r *Registry) Get(name string) (*session.Session, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, e.sess != nil
}

// Names returns every configured character name, running or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// ApplyDiff applies a single character's config diff from a hot-reload,
// deciding in-place update vs. tear-down-and-restart per
// [config.CharacterDiff]: a prompt change can be pushed to a live Session
// without losing the connection. A voice or agent-flags change cannot — the
// voice is fixed for the lifetime of the upstream connection and tool
// availability is wired in at Connect time — so both force a close and
// reconnect. For a voice change on a character a viewer is currently
// connected to, the caller is expected to signal that viewer to reload its
// page before invoking ApplyDiff, so it doesn't silently lose audio mid-reply;
// ApplyDiff itself only owns the Session, not that notification.
func (r *Registry) ApplyDiff(ctx context.Context, diff config.CharacterDiff, newCfg config.CharacterConfig, callbacks session.Callbacks) error {
	if diff.Removed {
		return r.Remove(diff.Name)
	}
	if diff.Added {
		r.Configure(newCfg)
		return nil
	}

	r.mu.RLock()
	e, ok := r.entries[diff.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCharacter, diff.Name)
	}

	e.mu.Lock()
	e.cfg = newCfg
	sess := e.sess
	e.mu.Unlock()

	if sess == nil || diff.AgentFlagsChanged || diff.VoiceChanged {
		if sess != nil {
			if err := sess.Close(); err != nil {
				return fmt.Errorf("character: close %q before restart: %w", diff.Name, err)
			}
		}
		_, err := r.Start(ctx, diff.Name, callbacks)
		return err
	}

	if diff.SystemPromptChanged {
		if err := sess.UpdateInstructions(newCfg.SystemPrompt); err != nil {
			return fmt.Errorf("character: update instructions for %q: %w", diff.Name, err)
		}
	}
	return nil
}
