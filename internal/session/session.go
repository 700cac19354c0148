package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wislap/neko-runtime/internal/audiodsp"
	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/provider/s2s"
)

// ErrSessionClosed is returned by Session methods once the session has
// transitioned to [StateClosed].
var ErrSessionClosed = errors.New("session: closed")

// silenceTickInterval is how often the silence-timeout watcher checks
// elapsed idle time. Variable rather than const so tests can shrink it.
var silenceTickInterval = 10 * time.Second

// Session is a single character's duplex realtime voice session. It owns
// one upstream [s2s.SessionHandle], an optional [audiodsp.Processor] for
// pre-processing outbound audio, and the session-level state machine
// (backpressure, throttling, silence timeout, repetition detection)
// layered over the raw provider event stream.
//
// A Session is safe for concurrent use.
type Session struct {
	cfg       Config
	provider  s2s.Provider
	audioProc *audiodsp.Processor
	callbacks Callbacks
	repeat    *repetitionTracker

	mu           sync.Mutex
	handle       s2s.SessionHandle
	state        State
	sem          *semaphore.Weighted
	lastActivity time.Time
	silenceFired bool
	throttled    bool
	closed       bool

	stopSilence chan struct{}
	closeOnce   sync.Once
}

// New creates a Session bound to the given provider and callbacks. Connect
// must be called before streaming audio or creating responses.
// audioProc may be nil, in which case StreamAudio forwards chunks to the
// upstream unprocessed.
func New(cfg Config, provider s2s.Provider, audioProc *audiodsp.Processor, callbacks Callbacks) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		provider:  provider,
		audioProc: audioProc,
		callbacks: callbacks,
		repeat:    newRepetitionTracker(cfg.RepetitionThreshold),
	}
}

// Connect establishes the upstream session. It is an error to call Connect
// more than once on the same Session.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session: Connect called in state %s, want idle", s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	handle, err := s.provider.Connect(ctx, s.cfg.toSessionConfig(), s)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("session: upstream connect failed: %w", err)
	}

	s.mu.Lock()
	s.handle = handle
	s.state = StateActive
	s.sem = semaphore.NewWeighted(s.cfg.SendSemaphoreLimit)
	s.lastActivity = time.Now()
	if s.cfg.AggressiveIdle {
		s.stopSilence = make(chan struct{})
		go s.watchSilence(s.stopSilence)
	}
	s.mu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamAudio pre-processes (if configured) and forwards a raw PCM16 chunk
// upstream. Under backpressure (the send semaphore is exhausted) the frame
// is dropped silently rather than blocking, per the session's backpressure
// policy — unlike other outbound operations, audio frames are not worth
// queuing since a later frame supersedes an earlier one.
func (s *Session) StreamAudio(chunk []byte) error {
	s.mu.Lock()
	handle, sem, closed, throttled := s.handle, s.sem, s.closed, s.throttled
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if handle == nil {
		return errors.New("session: StreamAudio called before Connect")
	}
	if throttled {
		return nil // dropped: inside throttle window
	}
	if !sem.TryAcquire(1) {
		slog.Debug("session: dropping audio frame under backpressure", "provider", s.cfg.ProviderName)
		return nil
	}

	s.markActivity()
	send := func(pcm []byte) {
		defer sem.Release(1)
		if err := handle.SendAudio(pcm); err != nil {
			slog.Warn("session: SendAudio failed", "provider", s.cfg.ProviderName, "error", err)
		}
	}
	if s.audioProc == nil {
		send(chunk)
		return nil
	}
	s.audioProc.Submit(chunk, send, func() {
		if err := handle.ClearInputBuffer(); err != nil {
			slog.Warn("session: ClearInputBuffer after silence reset failed", "error", err)
		}
	})
	return nil
}

// StreamImage forwards a base64-encoded JPEG frame upstream. Unlike audio,
// image sends block for a semaphore slot rather than dropping, since image
// context loss is more costly than a brief delay.
func (s *Session) StreamImage(jpegB64 string) error {
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.SendImage(jpegB64)
	})
}

// CreateResponse injects extraInstructions (if non-empty) and requests a
// new assistant turn.
func (s *Session) CreateResponse(extraInstructions string) error {
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.CreateResponse(extraInstructions)
	})
}

// CancelResponse cancels the in-flight response, if any.
func (s *Session) CancelResponse() error {
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.CancelResponse()
	})
}

// HandleInterruption implements barge-in: it cancels the in-flight
// response and discards any buffered partial user utterance so the
// upstream does not respond to audio captured during its own playback.
func (s *Session) HandleInterruption() error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return errors.New("session: HandleInterruption called before Connect")
	}
	var errs []error
	if err := handle.CancelResponse(); err != nil {
		errs = append(errs, err)
	}
	if err := handle.ClearInputBuffer(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetTools replaces the active tool definitions.
func (s *Session) SetTools(tools []llm.ToolDefinition) error {
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.SetTools(tools)
	})
}

// UpdateInstructions replaces the system-level instructions, effective on
// the next model turn. Used by hot-reload to mutate an active session's
// character in place.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	s.cfg.Instructions = instructions
	s.mu.Unlock()
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.UpdateInstructions(instructions)
	})
}

// InjectTextContext inserts background context items into the rolling
// conversation.
func (s *Session) InjectTextContext(items []s2s.ContextItem) error {
	return s.withSend(func(h s2s.SessionHandle) error {
		return h.InjectTextContext(items)
	})
}

// OnToolCall registers the handler invoked when the model requests a tool
// call.
func (s *Session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle != nil {
		handle.OnToolCall(handler)
	}
}

// withSend acquires a semaphore slot (blocking), runs fn against the
// current handle, and releases the slot.
func (s *Session) withSend(fn func(s2s.SessionHandle) error) error {
	s.mu.Lock()
	handle, sem, closed := s.handle, s.sem, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if handle == nil {
		return errors.New("session: send called before Connect")
	}
	ctx := context.Background()
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	s.markActivity()
	return fn(handle)
}

// Close tears down the session. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		handle := s.handle
		stopSilence := s.stopSilence
		s.state = StateClosed
		s.closed = true
		s.mu.Unlock()

		if stopSilence != nil {
			close(stopSilence)
		}
		if handle != nil {
			err = handle.Close()
		}
	})
	return err
}

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// watchSilence ticks every silenceTickInterval and fires OnSilenceTimeout
// exactly once, after cfg.SilenceTimeout of continuous inactivity.
func (s *Session) watchSilence(stop <-chan struct{}) {
	ticker := time.NewTicker(silenceTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.silenceFired || s.closed {
				s.mu.Unlock()
				continue
			}
			idle := time.Since(s.lastActivity)
			fire := idle >= s.cfg.SilenceTimeout
			if fire {
				s.silenceFired = true
			}
			s.mu.Unlock()
			if fire {
				s.callbacks.OnSilenceTimeout()
			}
		}
	}
}

// --- s2s.EventHandler implementation ---

var _ s2s.EventHandler = (*Session)(nil)

// OnResponseCreated implements s2s.EventHandler.
func (s *Session) OnResponseCreated(responseID string) {
	s.markActivity()
	s.mu.Lock()
	s.state = StateResponding
	s.mu.Unlock()
}

// OnTextDelta implements s2s.EventHandler.
func (s *Session) OnTextDelta(text string, firstChunk bool) {
	s.markActivity()
	s.callbacks.OnTextDelta(text, firstChunk)
}

// OnAudioDelta implements s2s.EventHandler.
func (s *Session) OnAudioDelta(pcm []byte) {
	s.markActivity()
	s.callbacks.OnAudioDelta(pcm)
}

// OnOutputTranscript implements s2s.EventHandler. It layers repetition
// detection and translation on top of the raw upstream transcript before
// reporting OnNewMessage.
func (s *Session) OnOutputTranscript(text string) {
	s.callbacks.OnOutputTranscript(text)

	if s.repeat.observe(text) {
		s.callbacks.OnRepetitionDetected(text)
		s.repeat.reset()
	}

	out := text
	lang := s.cfg.UserLanguage
	if lang != "" && lang != "en" {
		translated, err := s.cfg.Translator.Translate(text, lang)
		if err != nil {
			slog.Warn("session: translation failed, forwarding original text",
				"provider", s.cfg.ProviderName, "target_language", lang, "error", err)
		} else {
			out = translated
		}
	}
	s.callbacks.OnNewMessage(out)
}

// OnResponseDone implements s2s.EventHandler.
func (s *Session) OnResponseDone(transcript string) {
	s.mu.Lock()
	if s.state == StateResponding {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.callbacks.OnResponseDone(transcript)
}

// OnInputTranscript implements s2s.EventHandler.
func (s *Session) OnInputTranscript(text string) {
	s.markActivity()
	s.callbacks.OnInputTranscript(text)
}

// OnSpeechStarted implements s2s.EventHandler.
func (s *Session) OnSpeechStarted() {
	s.markActivity()
}

// OnSpeechStopped implements s2s.EventHandler.
func (s *Session) OnSpeechStopped() {
	s.markActivity()
}

// OnErrorEvent implements s2s.EventHandler, classifying the upstream's
// error kind into the session's throttle/fatal handling.
func (s *Session) OnErrorEvent(evt s2s.ErrorEvent) {
	switch evt.Kind {
	case s2s.ErrorOverloaded:
		s.enterThrottle()
	case s2s.ErrorFatal:
		s.mu.Lock()
		s.state = StateClosed
		s.closed = true
		s.mu.Unlock()
		s.callbacks.OnConnectionError(fmt.Errorf("%s", evt.Message), true)
	default:
		s.callbacks.OnConnectionError(fmt.Errorf("%s", evt.Message), false)
	}
}

// enterThrottle transitions into StateThrottled for cfg.ThrottleWindow,
// emitting exactly one status notification for the whole window even if
// further overloaded events arrive while already throttled.
func (s *Session) enterThrottle() {
	s.mu.Lock()
	if s.throttled {
		s.mu.Unlock()
		return
	}
	s.throttled = true
	s.state = StateThrottled
	window := s.cfg.ThrottleWindow
	s.mu.Unlock()

	s.callbacks.OnStatusMessage("upstream overloaded, throttling requests")

	time.AfterFunc(window, func() {
		s.mu.Lock()
		s.throttled = false
		if s.state == StateThrottled {
			s.state = StateActive
		}
		s.mu.Unlock()
	})
}
