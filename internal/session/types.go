// Package session implements the realtime voice session: a duplex bridge
// between a user-facing transport and an upstream [s2s.Provider] session,
// with audio pre-processing, backpressure, silence-timeout detection, and
// repeated-response detection layered on top of the provider's raw event
// stream.
package session

import (
	"time"

	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/provider/s2s"
)

// State is a coarse view of a Session's lifecycle, exposed for health
// reporting and tests. It is derived from internal bookkeeping, not stored
// as the source of truth.
type State int

const (
	// StateIdle is the zero value: no upstream connection has been
	// attempted yet.
	StateIdle State = iota

	// StateConnecting covers the window between Connect being called and
	// the upstream handshake completing.
	StateConnecting

	// StateActive covers a connected session that is not currently
	// generating a response.
	StateActive

	// StateResponding covers a connected session with an in-flight
	// assistant response.
	StateResponding

	// StateThrottled covers a connected session currently inside a
	// throttle window following an overloaded error from the upstream.
	StateThrottled

	// StateClosed is terminal: the session has been torn down and cannot
	// be reused.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateResponding:
		return "responding"
	case StateThrottled:
		return "throttled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks receives all events a [Session] reports upward, in addition to
// and derived from the underlying [s2s.EventHandler] stream. Every method
// must return quickly; Session's internal goroutines block on each call.
type Callbacks interface {
	// OnTextDelta fires for each non-suppressed text fragment of the
	// current response. firstChunk is true exactly once per response.
	OnTextDelta(text string, firstChunk bool)

	// OnAudioDelta fires for each chunk of synthesised audio.
	OnAudioDelta(pcm []byte)

	// OnInputTranscript fires once the user's spoken turn has been
	// transcribed.
	OnInputTranscript(text string)

	// OnOutputTranscript fires once the assistant's spoken turn has been
	// transcribed.
	OnOutputTranscript(text string)

	// OnNewMessage fires once per completed assistant turn, after
	// translation (if configured) has been applied to the transcript.
	OnNewMessage(text string)

	// OnResponseDone fires when a response fully completes.
	OnResponseDone(transcript string)

	// OnSilenceTimeout fires at most once per session, after
	// [Config.SilenceTimeout] of continuous inactivity on an upstream that
	// opts into aggressive idle handling.
	OnSilenceTimeout()

	// OnStatusMessage reports a non-fatal, user-visible status string (for
	// example, a throttle notice).
	OnStatusMessage(message string)

	// OnConnectionError fires for transient and fatal upstream errors. A
	// fatal error means the session is no longer usable; the caller should
	// treat it as already closed.
	OnConnectionError(err error, fatal bool)

	// OnRepetitionDetected fires when the last two assistant transcripts
	// are judged too similar. The session is not closed automatically.
	OnRepetitionDetected(transcript string)
}

// Translator rewrites an outgoing assistant transcript into a different
// language before OnNewMessage fires. The default Translator is a no-op;
// production configurations may wire in a real translation backend.
type Translator interface {
	Translate(text, targetLanguage string) (string, error)
}

// noopTranslator returns its input unchanged.
type noopTranslator struct{}

func (noopTranslator) Translate(text, _ string) (string, error) { return text, nil }

// AggressiveIdleSet names the upstream providers that should have the
// silence timeout enforced. Membership is checked by provider name (as
// configured), not by a capability flag, since aggressiveness is an
// operational choice about a specific upstream's idle billing behaviour
// rather than a protocol capability.
type AggressiveIdleSet map[string]bool

// Config tunes a [Session].
type Config struct {
	// ProviderName identifies the upstream for AggressiveIdleSet lookups
	// and log/metric attribution.
	ProviderName string

	// VoiceID, Instructions, Tools, InputAudioFormat are forwarded verbatim
	// into the provider's [s2s.SessionConfig].
	VoiceID          string
	Instructions     string
	Tools            []llm.ToolDefinition
	InputAudioFormat string

	// UserLanguage, if non-empty and different from "en", causes outgoing
	// transcripts to be run through Translator before OnNewMessage fires.
	UserLanguage string
	Translator   Translator

	// SendSemaphoreLimit bounds concurrent in-flight outbound sends
	// (audio/image/response frames). Default: 25.
	SendSemaphoreLimit int64

	// ThrottleWindow is how long the session stays in [StateThrottled]
	// after an [s2s.ErrorOverloaded] event. Default: 2s.
	ThrottleWindow time.Duration

	// SilenceTimeout is how long of continuous inactivity triggers
	// OnSilenceTimeout, for upstreams in AggressiveIdleSet. Default: 90s.
	SilenceTimeout time.Duration

	// AggressiveIdle marks whether this session's upstream enforces the
	// silence timeout at all.
	AggressiveIdle bool

	// RepetitionThreshold is the similarity score (0-1) above which two
	// consecutive output transcripts are judged a repetition. Default: 0.8.
	RepetitionThreshold float64
}

func (c Config) withDefaults() Config {
	if c.SendSemaphoreLimit <= 0 {
		c.SendSemaphoreLimit = 25
	}
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = 2 * time.Second
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 90 * time.Second
	}
	if c.RepetitionThreshold <= 0 {
		c.RepetitionThreshold = 0.8
	}
	if c.Translator == nil {
		c.Translator = noopTranslator{}
	}
	return c
}

func (c Config) toSessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		VoiceID:          c.VoiceID,
		Instructions:     c.Instructions,
		Tools:            c.Tools,
		InputAudioFormat: c.InputAudioFormat,
	}
}
