// Package openai implements the s2s.Provider interface against an OpenAI
// Realtime-API-compatible WebSocket endpoint.
//
// It establishes a bidirectional WebSocket connection and exchanges JSON
// events according to the Realtime protocol. Audio is transmitted as
// base64-encoded PCM16 chunks; tool calls are surfaced via the
// ToolCallHandler callback; every other server event is classified and
// dispatched to the caller's s2s.EventHandler.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s
// interfaces.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	closeCodeServerError = 1011
)

// ── Options ──────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithNativeImageIngestion marks the provider as accepting image frames
// directly rather than requiring an external vision description.
func WithNativeImageIngestion() Option {
	return func(p *Provider) { p.nativeImage = true }
}

// ── Provider ─────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for a realtime WebSocket endpoint
// speaking the OpenAI Realtime event protocol.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	nativeImage bool
}

// New creates a new Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	return s2s.S2SCapabilities{
		ContextWindow:         128_000,
		MaxSessionDurationMs:  30 * 60 * 1000,
		NativeImageIngestion:  p.nativeImage,
	}
}

// Connect establishes a new realtime session. The returned SessionHandle is
// ready to accept audio immediately after the session.update frame is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, handler s2s.EventHandler) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: no API credentials configured")
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		handler: handler,
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ───────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format,omitempty"`
	OutputAudioFormat string    `json:"output_audio_format,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // base64 JPEG, image_url-style part
}

type responseCreateMessage struct {
	Type string `json:"type"`
}

// serverErrorDetail represents the nested error object in an upstream error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ───────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.created
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	// response.text.delta / response.output_text.delta /
	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.completed (field name
	// differs across these, only one is populated per event kind)
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ──────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	handler     s2s.EventHandler
	toolHandler s2s.ToolCallHandler

	mu     sync.Mutex
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.done is received.
	currentTxText string

	// textChunkSent records whether the current response has already
	// delivered a text delta, so only the first one carries firstChunk=true.
	textChunkSent bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, tools, and audio formats.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.VoiceID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: "pcm16",
	}
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = "pcm16"
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("openai: session closed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them until the
// connection closes or the session is torn down.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.dispatchConnectionError(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

// dispatchConnectionError classifies a WebSocket read failure (typically a
// close frame) and reports it as a fatal error event.
func (s *session) dispatchConnectionError(err error) {
	code := int(websocket.CloseStatus(err))
	s.handler.OnErrorEvent(s2s.ErrorEvent{
		Kind:      s2s.ErrorFatal,
		Message:   err.Error(),
		CloseCode: code,
	})
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.mu.Lock()
		s.currentTxText = ""
		s.textChunkSent = false
		s.mu.Unlock()
		s.handler.OnResponseCreated(id)

	case "response.text.delta", "response.output_text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		first := !s.textChunkSent
		s.textChunkSent = true
		s.mu.Unlock()
		s.handler.OnTextDelta(evt.Delta, first)

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.handler.OnAudioDelta(audioData)

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()

	case "response.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()
		if text != "" {
			s.handler.OnOutputTranscript(text)
		}
		s.handler.OnResponseDone(text)

	case "input_audio_buffer.speech_started":
		s.handler.OnSpeechStarted()

	case "input_audio_buffer.speech_stopped":
		s.handler.OnSpeechStopped()

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.handler.OnInputTranscript(evt.Transcript)

	case "response.function_call_arguments.done":
		s.handleFunctionCall(evt)

	case "error":
		s.handleErrorEvent(evt)

	default:
		// Unknown event kinds are dropped here without logging; they never
		// reach the handler.
	}
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown error"
	code := ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}

	kind := s2s.ErrorTransient
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "503") || strings.Contains(lower, "overloaded") || code == "503":
		kind = s2s.ErrorOverloaded
	case strings.Contains(lower, "response timeout"):
		kind = s2s.ErrorFatal
	}

	s.handler.OnErrorEvent(s2s.ErrorEvent{Kind: kind, Message: msg})
}

func (s *session) handleFunctionCall(evt *serverEvent) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}

	result, callErr := handler(evt.Name, evt.Arguments)
	if callErr != nil {
		result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
	}

	_ = s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: evt.CallID,
			Output: result,
		},
	})
	_ = s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// toOAITools converts llm.ToolDefinition slice to the realtime tool format.
func toOAITools(tools []llm.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// SendImage delivers a base64-encoded JPEG frame as a conversation item.
func (s *session) SendImage(jpegB64 string) error {
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_image", Image: jpegB64},
			},
		},
	})
}

// CreateResponse injects extraInstructions (if non-empty) as a user message
// and requests a new response.
func (s *session) CreateResponse(extraInstructions string) error {
	if extraInstructions != "" {
		if err := s.InjectTextContext([]s2s.ContextItem{{Role: "user", Content: extraInstructions}}); err != nil {
			return err
		}
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// CancelResponse sends a response.cancel event.
func (s *session) CancelResponse() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// ClearInputBuffer sends an input_audio_buffer.clear event.
func (s *session) ClearInputBuffer() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// OnToolCall registers a callback for tool invocations from the model.
func (s *session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// SetTools replaces the active tools by sending a session.update event.
func (s *session) SetTools(tools []llm.ToolDefinition) error {
	params := sessionParams{
		Tools:             toOAITools(tools),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// UpdateInstructions replaces the system instructions via session.update.
func (s *session) UpdateInstructions(instructions string) error {
	params := sessionParams{
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// InjectTextContext inserts ContextItems as conversation.item.create events.
func (s *session) InjectTextContext(items []s2s.ContextItem) error {
	for _, item := range items {
		role := item.Role
		switch role {
		case "assistant", "system":
			// keep as-is
		default:
			role = "user"
		}

		partType := "input_text"
		if role == "assistant" {
			partType = "text"
		}

		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: role,
				Content: []conversationPart{
					{Type: partType, Text: item.Content},
				},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
