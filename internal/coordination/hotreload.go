package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/wislap/neko-runtime/internal/character"
	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/session"
)

// reloadTimeout bounds a single character's ApplyDiff call during hot
// reload, so one stuck upstream can't wedge the whole config watcher
// callback.
const reloadTimeout = 10 * time.Second

// ReloadSignaler notifies a character's connected viewer that its session is
// about to be torn down for a voice change, so the frontend can reload the
// page instead of sitting on a dead connection. This repository has no
// implementation of its own; nil is a valid no-op for callers that don't
// serve viewers directly (e.g. a headless Agent process).
type ReloadSignaler interface {
	SignalReload(character string)
}

// HotReloader wires a [config.Watcher]'s change callback through
// [config.Diff] into per-character [character.Registry.ApplyDiff] calls. It
// is the Main process's answer to the config file changing on disk while
// sessions are live.
type HotReloader struct {
	registry  *character.Registry
	callbacks func(name string) session.Callbacks
	reload    ReloadSignaler
}

// NewHotReloader builds a reloader over registry. callbacksFor must return
// the session.Callbacks to wire a freshly (re)started character's Session to
// — typically the same callbacks used at initial startup for that name.
// signaler may be nil.
func NewHotReloader(registry *character.Registry, callbacksFor func(name string) session.Callbacks, signaler ReloadSignaler) *HotReloader {
	return &HotReloader{registry: registry, callbacks: callbacksFor, reload: signaler}
}

// OnConfigChange is suitable as a [config.Watcher] onChange callback. It
// computes the diff and applies each changed character serially — hot
// reloads are rare and ordering matters less than simplicity here, unlike
// the per-request concurrency elsewhere in the runtime.
func (h *HotReloader) OnConfigChange(old, newCfg *config.Config) {
	diff := config.Diff(old, newCfg)
	if diff.LogLevelChanged {
		slog.Info("coordination: log level changed", "level", diff.NewLogLevel)
	}
	if !diff.CharactersChanged {
		return
	}

	newByName := make(map[string]config.CharacterConfig, len(newCfg.Characters))
	for _, c := range newCfg.Characters {
		newByName[c.Name] = c
	}

	for _, cd := range diff.CharacterChanges {
		h.applyOne(cd, newByName[cd.Name])
	}
}

func (h *HotReloader) applyOne(cd config.CharacterDiff, newCharCfg config.CharacterConfig) {
	if cd.VoiceChanged && h.reload != nil {
		h.reload.SignalReload(cd.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	var cb session.Callbacks
	if h.callbacks != nil {
		cb = h.callbacks(cd.Name)
	}

	if err := h.registry.ApplyDiff(ctx, cd, newCharCfg, cb); err != nil {
		slog.Error("coordination: apply character hot-reload", "character", cd.Name, "error", err)
		return
	}
	slog.Info("coordination: character hot-reloaded", "character", cd.Name,
		"voice_changed", cd.VoiceChanged, "prompt_changed", cd.SystemPromptChanged,
		"flags_changed", cd.AgentFlagsChanged, "added", cd.Added, "removed", cd.Removed)
}
