// Package server assembles the HTTP surface: the relay socket, workflow
// webhooks, conversation state and operational endpoints behind one chi
// router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/relay"
	"github.com/pithecene-io/treesync/store"
	"github.com/pithecene-io/treesync/types"
	"github.com/pithecene-io/treesync/webhook"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:8080"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// SeqSource reports the journal position of a conversation.
type SeqSource interface {
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// Secret authenticates POST /webhook and POST /notify.
	Secret   string
	Store    store.Store
	Ingester *webhook.Ingester
	Hub      *relay.Hub
	// Notifier receives envelopes posted to /notify. Typically the local
	// hub, wrapped by the journal when one is configured.
	Notifier relay.Notifier
	// Journal, when set, supplies lastSeq on conversation views.
	Journal         SeqSource
	ShutdownTimeout time.Duration
	Logger          *log.Logger
	Metrics         *metrics.Collector
}

// Server is the treesync HTTP server.
type Server struct {
	opts    Options
	logger  *log.Logger
	webhook *webhook.Handler
	router  chi.Router
}

// New creates a server and builds its routes.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Ingester == nil || opts.Hub == nil {
		return nil, errors.New("server: store, ingester and hub are required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Notifier == nil {
		opts.Notifier = opts.Hub
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	wh, err := webhook.NewHandler(opts.Ingester, opts.Secret, opts.Logger.Named("webhook"))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s := &Server{opts: opts, logger: opts.Logger, webhook: wh}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Handle("/ws", s.opts.Hub)
	s.webhook.Mount(r)
	r.Post("/notify", s.handleNotify)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleConversationList)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.handleConversation)
			r.Post("/objective/nodes/{nodeID}/complete", s.handleCompleteNode)
		})
	})
	return r
}

// Run listens on the configured address until ctx is canceled, then closes
// relay clients and drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: sockets are long-lived and the hub sets per-frame deadlines.
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("listening", map[string]any{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.opts.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.opts.Hub.Clients()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Metrics.Snapshot())
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !s.webhook.Authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid secret")
		return
	}
	var req relay.NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, webhook.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode notify request: "+err.Error())
		return
	}
	if req.ConversationID == "" || req.Envelope == nil || req.Envelope.Type == "" {
		writeError(w, http.StatusBadRequest, "conversationId and envelope are required")
		return
	}
	if err := s.opts.Notifier.Notify(r.Context(), req.ConversationID, req.Envelope); err != nil {
		s.logger.Warn("notify ingress failed", map[string]any{"conversation_id": req.ConversationID, "error": err.Error()})
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := s.opts.Store.ListConversations(r.Context(), limit)
	if err != nil {
		s.logger.Error("list conversations", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	out := make([]types.ConversationView, 0, len(convs))
	for i := range convs {
		out = append(out, conversationView(&convs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.loadConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("load conversation", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "load conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// loadConversation assembles the authoritative view of a conversation.
func (s *Server) loadConversation(ctx context.Context, id string) (*types.ConversationView, error) {
	conv, err := s.opts.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	view := conversationView(conv)

	msgs, err := s.opts.Store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	view.Messages = make([]types.MessageView, 0, len(msgs))
	for _, m := range msgs {
		view.Messages = append(view.Messages, types.MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}

	if conv.CurrentObjectiveID != "" {
		a, err := s.opts.Store.GetObjective(ctx, conv.CurrentObjectiveID)
		switch {
		case err == nil:
			raw, err := json.Marshal(a)
			if err != nil {
				return nil, fmt.Errorf("encode objective: %w", err)
			}
			view.Objective = raw
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("get objective: %w", err)
		}
	}

	if s.opts.Journal != nil {
		seq, err := s.opts.Journal.LastSeq(ctx, id)
		if err != nil {
			// The view is still authoritative without a replay position.
			s.logger.Warn("journal position unavailable", map[string]any{"conversation_id": id, "error": err.Error()})
		}
		view.LastSeq = seq
	}
	return &view, nil
}

func (s *Server) handleCompleteNode(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	a, err := s.opts.Ingester.CompleteNode(r.Context(), convID, chi.URLParam(r, "nodeID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case webhook.IsCorrelationError(err):
		writeError(w, http.StatusNotFound, "conversation not found")
	case webhook.IsStateError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("complete node", map[string]any{"conversation_id": convID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "complete node failed")
	}
}

func conversationView(c *store.Conversation) types.ConversationView {
	return types.ConversationView{
		ID:                 c.ID,
		Title:              c.Title,
		Status:             c.Status,
		CurrentObjectiveID: c.CurrentObjectiveID,
		IsThinking:         c.IsThinking,
		Messages:           []types.MessageView{},
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
