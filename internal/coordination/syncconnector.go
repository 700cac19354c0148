package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// syncReconnectDelay is how long a character's sync-connector waits before
// redialing the Monitor process after a dropped connection.
const syncReconnectDelay = 2 * time.Second

// syncSendTimeout bounds a single frame write to the Monitor process.
const syncSendTimeout = 5 * time.Second

// SyncFrame is one event relayed to the Monitor process's /sync/{character}
// endpoint: subtitle deltas, turn-end markers, and other viewer-facing
// state the Monitor broadcasts onward to connected viewer clients.
type SyncFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SyncConnector relays one character's outgoing frames to the Monitor
// process over a long-lived WebSocket, redialing with a fixed backoff
// whenever the connection drops. Each character gets its own goroutine and
// its own unbounded-ish (bounded to sendQueueCapacity) frame queue so a slow
// or down Monitor never blocks a character's Realtime Session Core.
type SyncConnector struct {
	character string
	dialURL   string

	frames chan SyncFrame

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

const sendQueueCapacity = 256

// NewSyncConnector builds a connector for character against the Monitor
// process's baseURL (e.g. "ws://127.0.0.1:48911"). Call Run to start it.
func NewSyncConnector(baseURL, character string) *SyncConnector {
	dialURL := strings.TrimRight(baseURL, "/") + "/sync/" + url.PathEscape(character)
	return &SyncConnector{
		character: character,
		dialURL:   dialURL,
		frames:    make(chan SyncFrame, sendQueueCapacity),
	}
}

// Send enqueues a frame for relay. Non-blocking: if the queue is full the
// frame is dropped (subtitle delivery is best-effort, matching the
// fire-and-forget nature of the frames relayed here).
func (c *SyncConnector) Send(frame SyncFrame) {
	select {
	case c.frames <- frame:
	default:
		slog.Warn("coordination: sync connector queue full, dropping frame", "character", c.character, "type", frame.Type)
	}
}

// Run dials the Monitor process and relays frames until ctx is cancelled,
// reconnecting on any read/write/dial failure after syncReconnectDelay. It
// blocks; callers should run it in its own goroutine per character.
func (c *SyncConnector) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRelay(ctx); err != nil {
			slog.Warn("coordination: sync connector disconnected", "character", c.character, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncReconnectDelay):
		}
	}
}

// Close stops the connector's Run loop.
func (c *SyncConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *SyncConnector) connectAndRelay(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.dialURL, nil)
	if err != nil {
		return fmt.Errorf("coordination: dial monitor sync endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "sync connector shutting down")

	slog.Info("coordination: sync connector connected", "character", c.character)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.frames:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, syncSendTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("coordination: write sync frame: %w", err)
			}
		}
	}
}

// SyncConnectorSet manages one [SyncConnector] per character, matching the
// Main process's character.Registry set and adding/removing connectors as
// characters are hot-reloaded in or out.
type SyncConnectorSet struct {
	baseURL string

	mu         sync.Mutex
	connectors map[string]*SyncConnector
}

// NewSyncConnectorSet creates an empty set pointed at the Monitor process's
// baseURL.
func NewSyncConnectorSet(baseURL string) *SyncConnectorSet {
	return &SyncConnectorSet{baseURL: baseURL, connectors: make(map[string]*SyncConnector)}
}

// Ensure starts (if not already running) a connector for character and
// returns it.
func (s *SyncConnectorSet) Ensure(ctx context.Context, character string) *SyncConnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connectors[character]; ok {
		return c
	}
	c := NewSyncConnector(s.baseURL, character)
	s.connectors[character] = c
	go c.Run(ctx)
	return c
}

// Remove stops and forgets a character's connector, used when a character is
// deleted from the config on hot-reload.
func (s *SyncConnectorSet) Remove(character string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[character]
	if !ok {
		return
	}
	delete(s.connectors, character)
	c.Close()
}

// Get returns the connector for character, if one is running.
func (s *SyncConnectorSet) Get(character string) (*SyncConnector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[character]
	return c, ok
}
