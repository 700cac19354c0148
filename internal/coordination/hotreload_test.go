package coordination

import (
	"context"
	"testing"

	"github.com/wislap/neko-runtime/internal/character"
	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/session"
	"github.com/wislap/neko-runtime/pkg/provider/s2s"
	"github.com/wislap/neko-runtime/pkg/provider/s2s/mock"
)

type noopCallbacks struct{}

func (noopCallbacks) OnTextDelta(string, bool)     {}
func (noopCallbacks) OnAudioDelta([]byte)          {}
func (noopCallbacks) OnInputTranscript(string)     {}
func (noopCallbacks) OnOutputTranscript(string)    {}
func (noopCallbacks) OnNewMessage(string)          {}
func (noopCallbacks) OnResponseDone(string)        {}
func (noopCallbacks) OnSilenceTimeout()            {}
func (noopCallbacks) OnStatusMessage(string)        {}
func (noopCallbacks) OnConnectionError(error, bool) {}
func (noopCallbacks) OnRepetitionDetected(string)   {}

type fakeSignaler struct {
	signaled []string
}

func (f *fakeSignaler) SignalReload(character string) {
	f.signaled = append(f.signaled, character)
}

func newHotReloadFixture(t *testing.T) (*character.Registry, *mock.Provider) {
	t.Helper()
	provider := &mock.Provider{}
	reg := config.NewRegistry()
	reg.RegisterS2S("mock", func(config.ProviderEntry) (s2s.Provider, error) {
		return provider, nil
	})
	cr := character.New(reg)
	cr.Configure(config.CharacterConfig{Name: "lanlan", VoiceID: "v1", Realtime: config.ProviderEntry{Name: "mock"}})
	return cr, provider
}

func TestHotReloader_VoiceChangeSignalsBeforeRestart(t *testing.T) {
	cr, _ := newHotReloadFixture(t)
	if _, err := cr.Start(context.Background(), "lanlan", noopCallbacks{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	signaler := &fakeSignaler{}
	reloader := NewHotReloader(cr, func(string) session.Callbacks { return noopCallbacks{} }, signaler)

	old := &config.Config{Characters: []config.CharacterConfig{{Name: "lanlan", VoiceID: "v1"}}}
	newCfg := &config.Config{Characters: []config.CharacterConfig{{Name: "lanlan", VoiceID: "v2"}}}

	reloader.OnConfigChange(old, newCfg)

	if len(signaler.signaled) != 1 || signaler.signaled[0] != "lanlan" {
		t.Errorf("signaled = %+v, want [lanlan]", signaler.signaled)
	}
}

func TestHotReloader_NoOpWhenNothingChanged(t *testing.T) {
	cr, _ := newHotReloadFixture(t)
	reloader := NewHotReloader(cr, func(string) session.Callbacks { return noopCallbacks{} }, nil)

	cfg := &config.Config{Characters: []config.CharacterConfig{{Name: "lanlan", VoiceID: "v1"}}}
	reloader.OnConfigChange(cfg, cfg)
}
