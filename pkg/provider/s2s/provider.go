// Package s2s defines the Provider interface for Speech-to-Speech (S2S)
// backends: real-time voice AI services that accept raw audio (and
// optionally image) input and return synthesised audio/text output over a
// single, stateful duplex connection, bypassing a separate STT -> LLM -> TTS
// pipeline entirely.
//
// The session reports its events through an [EventHandler] supplied at
// Connect time rather than through pull channels: the upstream protocol
// carries many distinct event kinds (response lifecycle, speech boundaries,
// transcripts, graded error severities) and a caller needs to dispatch on
// the kind, not just drain a single untyped stream. All EventHandler methods
// may be called from the session's internal receive goroutine and must not
// block.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/wislap/neko-runtime/pkg/provider/llm"
)

// ToolCallHandler is a callback invoked by the session whenever the underlying
// model requests a tool call. The handler receives the tool name and a
// JSON-encoded arguments string and must return either a result string (to be
// injected back into the session as tool output) or an error.
//
// The handler must not block for longer than necessary. The handler may be
// called from the session's internal receive goroutine — implementors must
// not call blocking session methods from within the handler to avoid
// deadlocks.
type ToolCallHandler func(name string, args string) (string, error)

// ContextItem is a text message injected into the session's context
// mid-conversation. It is used to surface background knowledge, task
// results, or corrected transcripts without resending the full conversation
// history.
type ContextItem struct {
	// Role is the speaker role for this context item: "system", "user", or
	// "assistant".
	Role string

	// Content is the text content of the context item.
	Content string
}

// ErrorKind classifies an upstream error event by the remediation it calls
// for.
type ErrorKind int

const (
	// ErrorTransient covers errors a caller can log and ignore; the session
	// stays connected and functional.
	ErrorTransient ErrorKind = iota

	// ErrorOverloaded indicates the upstream signalled a 503 / "overloaded"
	// condition. Callers should enter a throttle window.
	ErrorOverloaded

	// ErrorFatal indicates the session can no longer make progress
	// ("Response timeout", WebSocket close code 1011). Callers must tear
	// down the session.
	ErrorFatal
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorEvent describes a single error surfaced by the upstream, already
// classified into an [ErrorKind].
type ErrorEvent struct {
	Kind      ErrorKind
	Message   string
	CloseCode int
}

// EventHandler receives dispatched events from an open [SessionHandle].
// Every method must return quickly: the session's read loop blocks on each
// call. Implementations that need to do further I/O (e.g. forwarding to a
// user WebSocket) should hand off to a buffered channel or goroutine rather
// than blocking here.
type EventHandler interface {
	// OnResponseCreated fires on response.created: a new assistant response
	// has begun.
	OnResponseCreated(responseID string)

	// OnTextDelta fires for each non-suppressed text fragment of the
	// current response. firstChunk is true exactly once per response, on
	// the first non-suppressed delta.
	OnTextDelta(text string, firstChunk bool)

	// OnAudioDelta fires for each non-suppressed chunk of synthesised PCM16
	// audio belonging to the current response.
	OnAudioDelta(pcm []byte)

	// OnOutputTranscript fires when the accumulated
	// response.audio_transcript.delta stream for the current response
	// completes.
	OnOutputTranscript(text string)

	// OnResponseDone fires on response.done with the full accumulated
	// transcript for the turn (may be empty).
	OnResponseDone(transcript string)

	// OnInputTranscript fires when the upstream finishes transcribing the
	// user's spoken turn.
	OnInputTranscript(text string)

	// OnSpeechStarted fires on input_audio_buffer.speech_started.
	OnSpeechStarted()

	// OnSpeechStopped fires on input_audio_buffer.speech_stopped.
	OnSpeechStopped()

	// OnErrorEvent fires for every error event the upstream sends, already
	// classified by kind.
	OnErrorEvent(evt ErrorEvent)
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// VoiceID selects the synthesised voice. Empty uses the upstream
	// default.
	VoiceID string

	// Instructions is the system-level prompt defining the character's
	// personality, backstory, and behavioural constraints.
	Instructions string

	// Tools is the initial set of tool definitions offered to the model.
	Tools []llm.ToolDefinition

	// InputAudioFormat names the PCM encoding sent via SendAudio, e.g.
	// "pcm16". Empty means the provider default.
	InputAudioFormat string
}

// S2SCapabilities describes static properties of the S2S provider. Values
// are assumed constant for the lifetime of the Provider instance.
type S2SCapabilities struct {
	// ContextWindow is the maximum token count (or provider-equivalent unit)
	// the model can maintain across the session.
	ContextWindow int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented
	// limit.
	MaxSessionDurationMs int

	// NativeImageIngestion indicates the provider accepts image frames
	// directly in the conversation rather than requiring an external vision
	// description.
	NativeImageIngestion bool
}

// SessionHandle represents an open S2S session. It is an interface so test
// code can supply a fake implementation without a live provider connection.
//
// All methods must be safe for concurrent use and must return quickly;
// long-running work happens on the session's own goroutines and is reported
// back through the [EventHandler] supplied to Connect.
type SessionHandle interface {
	// SendAudio delivers a raw PCM audio chunk already in the negotiated
	// format. Returns an error only for conditions that prevent the write
	// entirely (closed session, transport failure); the caller, not this
	// method, decides whether to drop a chunk silently under backpressure.
	SendAudio(chunk []byte) error

	// SendImage delivers a base64-encoded JPEG frame directly into the
	// conversation. Returns an error if the provider does not support
	// native image ingestion (see [S2SCapabilities.NativeImageIngestion]).
	SendImage(jpegB64 string) error

	// CreateResponse injects a user-role text item (if extraInstructions is
	// non-empty) and requests a new response.
	CreateResponse(extraInstructions string) error

	// CancelResponse asks the upstream to stop generating the in-flight
	// response, if any.
	CancelResponse() error

	// ClearInputBuffer asks the upstream to discard any buffered partial
	// user utterance (input_audio_buffer.clear).
	ClearInputBuffer() error

	// SetTools replaces the active tool definitions without restarting the
	// session.
	SetTools(tools []llm.ToolDefinition) error

	// UpdateInstructions replaces the system-level instructions. Effective
	// immediately for the next model turn.
	UpdateInstructions(instructions string) error

	// InjectTextContext inserts one or more ContextItems into the session's
	// rolling context.
	InjectTextContext(items []ContextItem) error

	// OnToolCall registers a handler invoked synchronously whenever the
	// model requests a tool call. Passing nil clears the handler.
	OnToolCall(handler ToolCallHandler)

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// Events are dispatched to handler for the lifetime of the session.
	Connect(ctx context.Context, cfg SessionConfig, handler EventHandler) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying
	// model. The result is assumed constant for the provider's lifetime.
	Capabilities() S2SCapabilities
}
