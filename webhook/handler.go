package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/types"
)

// SecretHeader carries the shared webhook secret, in both directions.
const SecretHeader = dispatch.SecretHeader

// MaxBodyBytes bounds a webhook request body.
const MaxBodyBytes = 1 << 20

// Handler serves the workflow callback endpoints.
type Handler struct {
	ingester *Ingester
	secret   []byte
	logger   *log.Logger
}

// NewHandler creates the HTTP surface for in. The secret is required.
func NewHandler(in *Ingester, secret string, logger *log.Logger) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{ingester: in, secret: []byte(secret), logger: logger}, nil
}

// Mount registers POST /webhook and GET /webhook on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhook", h.handleReceive)
	r.Get("/webhook", h.handleStatus)
}

// Authorized reports whether r carries the shared secret. The comparison
// takes constant time.
func (h *Handler) Authorized(r *http.Request) bool {
	got := r.Header.Get(SecretHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), h.secret) == 1
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type ackResponse struct {
	Status string `json:"status"`
	Result
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	if !h.Authorized(r) {
		h.ingester.metrics.IncWebhookRejected(KindAuthorization.String())
		h.logger.Warn("webhook rejected: bad secret", map[string]any{"remote": r.RemoteAddr})
		writeError(w, newError(KindAuthorization, errors.New("missing or invalid "+SecretHeader)))
		return
	}

	var p types.WebhookPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		h.ingester.metrics.IncWebhookRejected(KindProtocol.String())
		writeError(w, newError(KindProtocol, fmt.Errorf("decode payload: %w", err)))
		return
	}

	res, err := h.ingester.Ingest(r.Context(), &p)
	if err != nil {
		if IsStateError(err) {
			// Acknowledged so the workflow does not retry a late event.
			ack := ackResponse{Status: "ignored", Reason: err.Error()}
			if res != nil {
				ack.Result = *res
			}
			writeJSON(w, http.StatusAccepted, ack)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Status: "ok", Result: *res})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversationId")
	if convID == "" {
		writeError(w, newError(KindProtocol, errors.New("conversationId is required")))
		return
	}
	resp, err := h.ingester.Status(r.Context(), convID, r.URL.Query().Get("messageId"))
	if IsCorrelationError(err) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "conversation not found", Kind: KindCorrelation.String()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	writeJSON(w, httpStatus(kind), errorResponse{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
