// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and capture the EventHandler passed
// by the caller so tests can synthesize upstream events by invoking its
// methods directly.
package mock

import (
	"context"
	"sync"

	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx     context.Context
	Cfg     s2s.SessionConfig
	Handler s2s.EventHandler
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.S2SCapabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, handler s2s.EventHandler) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg, Handler: handler})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		p.Session.handler = handler
		return p.Session, nil
	}
	return &Session{handler: handler}, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Test code can call
// Handler to obtain the registered s2s.EventHandler and drive it directly to
// simulate upstream events.
type Session struct {
	mu sync.Mutex

	handler     s2s.EventHandler
	toolHandler s2s.ToolCallHandler

	// --- Configurable errors ---

	SendAudioErr          error
	SendImageErr          error
	CreateResponseErr     error
	CancelResponseErr     error
	ClearInputBufferErr   error
	SetToolsErr           error
	UpdateInstructionsErr error
	InjectTextContextErr  error
	CloseErr              error

	// --- Call records ---

	SendAudioCalls          [][]byte
	SendImageCalls          []string
	CreateResponseCalls     []string
	CancelResponseCallCount int
	ClearInputBufferCount   int
	SetToolsCalls           [][]llm.ToolDefinition
	UpdateInstructionsCalls []string
	InjectTextContextCalls  [][]s2s.ContextItem
	CloseCallCount          int
}

// Handler returns the s2s.EventHandler registered via Connect.
func (s *Session) Handler() s2s.EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// ToolHandler returns the currently registered ToolCallHandler.
func (s *Session) ToolHandler() s2s.ToolCallHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolHandler
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), chunk...)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendImage records the call and returns SendImageErr.
func (s *Session) SendImage(jpegB64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendImageCalls = append(s.SendImageCalls, jpegB64)
	return s.SendImageErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse(extraInstructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCalls = append(s.CreateResponseCalls, extraInstructions)
	return s.CreateResponseErr
}

// CancelResponse records the call and returns CancelResponseErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelResponseCallCount++
	return s.CancelResponseErr
}

// ClearInputBuffer records the call and returns ClearInputBufferErr.
func (s *Session) ClearInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearInputBufferCount++
	return s.ClearInputBufferErr
}

// SetTools records the call and returns SetToolsErr.
func (s *Session) SetTools(tools []llm.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]llm.ToolDefinition(nil), tools...)
	s.SetToolsCalls = append(s.SetToolsCalls, cp)
	return s.SetToolsErr
}

// UpdateInstructions records the call and returns UpdateInstructionsErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateInstructionsCalls = append(s.UpdateInstructionsCalls, instructions)
	return s.UpdateInstructionsErr
}

// InjectTextContext records the call and returns InjectTextContextErr.
func (s *Session) InjectTextContext(items []s2s.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]s2s.ContextItem(nil), items...)
	s.InjectTextContextCalls = append(s.InjectTextContextCalls, cp)
	return s.InjectTextContextErr
}

// OnToolCall stores handler. Passing nil clears it.
func (s *Session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
