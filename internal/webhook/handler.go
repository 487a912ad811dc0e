package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/logger"
	"github.com/tasklinker/backend/internal/metrics"
)

const maxBodyBytes = 1 << 20

// SignatureVerifier checks a raw body against the gateway's signature header.
type SignatureVerifier interface {
	VerifySignature(body []byte, header string) error
}

// Processor applies a parsed event.
type Processor interface {
	Process(ctx context.Context, ev gateway.Event) (string, error)
}

// Handler serves POST /webhooks/gateway.
type Handler struct {
	verifier  SignatureVerifier
	parser    *gateway.EventParser
	processor Processor
	logger    *zap.Logger
}

func NewHandler(verifier SignatureVerifier, parser *gateway.EventParser, processor Processor, log *zap.Logger) *Handler {
	return &Handler{verifier: verifier, parser: parser, processor: processor, logger: logger.OrNop(log)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body unreadable", zap.Error(err))
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	if err := h.verifier.VerifySignature(body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		metrics.RecordWebhookEvent("unknown", OutcomeRejected)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	ev, err := h.parser.Parse(body)
	switch {
	case errors.Is(err, gateway.ErrUnknownEvent):
		h.logger.Debug("ignoring unhandled webhook event", zap.Error(err))
		metrics.RecordWebhookEvent("unknown", OutcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		h.logger.Warn("malformed webhook event acknowledged", zap.Error(err))
		metrics.RecordWebhookEvent("malformed", OutcomeRejected)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome, err := h.processor.Process(r.Context(), ev)
	metrics.RecordWebhookEvent(ev.Type(), outcome)
	if err != nil {
		http.Error(w, `{"error":"processing failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
