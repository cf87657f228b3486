// Package session wires the client components around one shared bus.
//
// A Session owns a connection manager, a chunk reassembler and a generation
// state machine. They never call each other; every effect crosses the bus.
// Sessions are plain values built by New, so tests and multiple windows can
// run isolated instances side by side.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/treesync/bus"
	"github.com/pithecene-io/treesync/client"
	"github.com/pithecene-io/treesync/generation"
	"github.com/pithecene-io/treesync/iox"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/skilltree"
	"github.com/pithecene-io/treesync/stream"
	"github.com/pithecene-io/treesync/types"
)

// Errors returned by Session.
var (
	// ErrNoConversation is returned by conversation-scoped calls before Open.
	ErrNoConversation = errors.New("session: no conversation open")
	// ErrConversationNotFound is returned by Fetch when the server has no
	// record of the conversation yet.
	ErrConversationNotFound = errors.New("session: conversation not found")
)

// Options configure a Session.
type Options struct {
	// Client configures the connection manager. Its Bus and Logger are
	// replaced with the session's.
	Client client.Options
	// APIURL is the server's HTTP base, e.g. http://localhost:8080. When
	// empty it is derived from Client.URL.
	APIURL string
	// MaxBufferBytes guards each streamed message.
	MaxBufferBytes int
	// HTTPClient fetches authoritative state on reconnect.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Session is one client's view of the relay.
type Session struct {
	Bus        *bus.Envelopes
	Conn       *client.Manager
	Streams    *stream.Reassembler
	Generation *generation.Machine

	id     string
	apiURL string
	http   *http.Client
	logger *log.Logger
	offs   []func()

	mu             sync.Mutex
	conversationID string
	lastSeq        int64
	connectedOnce  bool
}

// New builds a session. Nothing connects until Connect.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	b := bus.NewEnvelopes(logger.Named("bus"))

	copts := opts.Client
	copts.Bus = b
	copts.Logger = logger.Named("client")
	if copts.SessionID == "" {
		copts.SessionID = uuid.NewString()
	}

	s := &Session{
		Bus:        b,
		Conn:       client.New(copts),
		Streams:    stream.New(stream.Options{MaxBufferBytes: opts.MaxBufferBytes, Logger: logger.Named("stream")}),
		Generation: generation.New(generation.Options{Logger: logger.Named("generation")}),
		id:         copts.SessionID,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		http:       opts.HTTPClient,
		logger:     logger,
	}
	if s.apiURL == "" {
		s.apiURL = apiFromRelay(copts.URL)
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: 10 * time.Second}
	}

	s.offs = append(s.offs,
		s.Streams.Bind(b),
		s.Generation.Bind(b),
		b.OnAny(s.trackSeq),
		b.On(types.EventStateChanged, s.onStateChanged),
	)
	return s
}

// ID returns the session id stamped on outbound envelopes.
func (s *Session) ID() string { return s.id }

// ConversationID returns the open conversation.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Connect opens the relay socket.
func (s *Session) Connect(ctx context.Context) error {
	return s.Conn.Connect(ctx)
}

// Close unbinds the components and disconnects.
func (s *Session) Close() {
	for _, off := range s.offs {
		off()
	}
	s.Conn.Disconnect()
}

// Open switches the session to conversationID: the state machine is pointed
// at it, the previous room is left, and the new room is joined.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	prev := s.conversationID
	s.conversationID = conversationID
	s.lastSeq = 0
	s.mu.Unlock()

	for _, id := range s.Streams.Active() {
		s.Streams.Cancel(id)
	}
	s.Generation.SetConversation(conversationID)

	if prev != "" && prev != conversationID {
		if _, err := s.Conn.Send(types.TypeUnsubscribe, types.SubscribePayload{ConversationID: prev}, client.SendOptions{ConversationID: prev}); err != nil {
			return err
		}
	}
	if _, err := s.Conn.Send(types.TypeSubscribe, types.SubscribePayload{ConversationID: conversationID}, client.SendOptions{ConversationID: conversationID}); err != nil {
		return err
	}
	if s.apiURL == "" {
		return nil
	}
	return s.Resync(ctx)
}

// SendMessage sends a user message to the open conversation and returns the
// message id.
func (s *Session) SendMessage(content string) (string, error) {
	conv := s.ConversationID()
	if conv == "" {
		return "", ErrNoConversation
	}
	msgID := uuid.NewString()
	_, err := s.Conn.Send(types.TypeUserMessage, types.UserMessagePayload{
		ConversationID: conv,
		MessageID:      msgID,
		Content:        content,
	}, client.SendOptions{ConversationID: conv})
	return msgID, err
}

// GenerateObjective asks the workflow to build a skill tree.
func (s *Session) GenerateObjective(prompt string) (string, error) {
	return s.sendGenerate(types.TypeGenerateObjective, prompt)
}

// StopGeneration asks the workflow to stop. Applied nodes are kept.
func (s *Session) StopGeneration() (string, error) {
	return s.sendGenerate(types.TypeStopGeneration, "")
}

func (s *Session) sendGenerate(t types.MessageType, prompt string) (string, error) {
	conv := s.ConversationID()
	if conv == "" {
		return "", ErrNoConversation
	}
	return s.Conn.Send(t, types.GeneratePayload{ConversationID: conv, Prompt: prompt},
		client.SendOptions{ConversationID: conv})
}

// Resync fetches authoritative state for the open conversation and loads
// its objective into the state machine.
func (s *Session) Resync(ctx context.Context) error {
	conv := s.ConversationID()
	if conv == "" {
		return ErrNoConversation
	}
	view, err := s.Fetch(ctx, conv)
	if errors.Is(err, ErrConversationNotFound) {
		// Nothing persisted yet; live events will build the state.
		return nil
	}
	if err != nil {
		return err
	}
	if s.ConversationID() != conv {
		// The user moved on while the fetch was in flight.
		return nil
	}

	s.mu.Lock()
	s.lastSeq = max(s.lastSeq, view.LastSeq)
	s.mu.Unlock()

	if len(view.Objective) == 0 {
		return nil
	}
	var a skilltree.Artifact
	if err := json.Unmarshal(view.Objective, &a); err != nil {
		return fmt.Errorf("session: decode objective: %w", err)
	}
	s.Generation.Load(&a)
	return nil
}

// Fetch reads GET /conversations/{id}.
func (s *Session) Fetch(ctx context.Context, conversationID string) (*types.ConversationView, error) {
	if s.apiURL == "" {
		return nil, errors.New("session: api url not configured")
	}
	u := s.apiURL + "/conversations/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("session: create request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: fetch conversation: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrConversationNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session: fetch conversation: unexpected status %d", resp.StatusCode)
	}
	var view types.ConversationView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("session: decode conversation: %w", err)
	}
	return &view, nil
}

func (s *Session) trackSeq(env *types.Envelope) {
	if env.Seq == 0 {
		return
	}
	s.mu.Lock()
	if env.ConversationID() == s.conversationID && env.Seq > s.lastSeq {
		s.lastSeq = env.Seq
	}
	s.mu.Unlock()
}

// onStateChanged rejoins the room after a reconnect, asking the relay to
// replay what was journaled while the socket was down, then reconciles
// with authoritative state.
func (s *Session) onStateChanged(env *types.Envelope) {
	var sc client.StateChange
	if err := env.DecodeData(&sc); err != nil || sc.To != types.StateConnected {
		return
	}

	s.mu.Lock()
	reconnect := s.connectedOnce
	s.connectedOnce = true
	conv, since := s.conversationID, s.lastSeq
	s.mu.Unlock()

	if !reconnect || conv == "" {
		return
	}
	if _, err := s.Conn.Send(types.TypeSubscribe, types.SubscribePayload{ConversationID: conv, Since: since},
		client.SendOptions{ConversationID: conv}); err != nil {
		s.logger.Warn("resubscribe failed", map[string]any{"conversation_id": conv, "error": err.Error()})
		return
	}
	if s.apiURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Resync(ctx); err != nil {
			s.logger.Warn("resync after reconnect failed", map[string]any{
				"conversation_id": conv,
				"error":           err.Error(),
			})
		}
	}()
}

// apiFromRelay maps ws://host/ws to http://host.
func apiFromRelay(relay string) string {
	u, err := url.Parse(relay)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}
