package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/metrics"
	"github.com/LeventeLantos/whatsapp-crm/internal/model"
	"github.com/LeventeLantos/whatsapp-crm/internal/presence"
	"github.com/LeventeLantos/whatsapp-crm/internal/repo"
	"github.com/LeventeLantos/whatsapp-crm/internal/service"
	"github.com/LeventeLantos/whatsapp-crm/internal/webhook"
)

const (
	maxRequestBytes = 1 << 20
	maxWebhookBytes = 4 << 20
	webhookTimeout  = 30 * time.Second
)

type MessageSender interface {
	Send(ctx context.Context, req service.SendRequest) (model.Message, error)
	Resend(ctx context.Context, messageID string) (model.Message, error)
	SendBulk(ctx context.Context, req service.BulkRequest) []service.BulkResult
}

type BatchApplier interface {
	ApplyBatch(ctx context.Context, b webhook.Batch) service.BatchReport
}

type PresenceSession interface {
	Start() bool
	Stop() bool
	Status() presence.Status
	Contact(ctx context.Context, id string) (model.Contact, error)
	Contacts(ctx context.Context) ([]model.Contact, error)
}

type Handler struct {
	sender     MessageSender
	reconciler BatchApplier
	presence   PresenceSession
	messages   repo.MessageRepository

	events  EventSource
	metrics *metrics.Metrics
	log     *slog.Logger

	verifyToken string
	appSecret   string
}

func NewHandler(sender MessageSender, reconciler BatchApplier, p PresenceSession, messages repo.MessageRepository) *Handler {
	return &Handler{
		sender:     sender,
		reconciler: reconciler,
		presence:   p,
		messages:   messages,
		metrics:    metrics.NewNop(),
		log:        slog.Default(),
	}
}

// WithWebhook sets the subscription verify token and, when non-empty, the
// app secret used to check payload signatures.
func (h *Handler) WithWebhook(verifyToken, appSecret string) *Handler {
	h.verifyToken = verifyToken
	h.appSecret = appSecret
	return h
}

func (h *Handler) WithEvents(src EventSource) *Handler {
	h.events = src
	return h
}

func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	if m != nil {
		h.metrics = m
	}
	return h
}

func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.log = l
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) PresenceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.presence.Status())
}

func (h *Handler) PresenceStart(w http.ResponseWriter, r *http.Request) {
	h.presence.Start()
	writeJSON(w, http.StatusOK, h.presence.Status())
}

func (h *Handler) PresenceStop(w http.ResponseWriter, r *http.Request) {
	h.presence.Stop()
	writeJSON(w, http.StatusOK, h.presence.Status())
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	items, err := h.presence.Contacts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.presence.Contact(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": c})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := h.sender.Send(r.Context(), req)
	if err != nil {
		h.writeSendError(w, msg, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *Handler) ResendMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.sender.Resend(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSendError(w, msg, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

type bulkItem struct {
	ConversationID string         `json:"conversationId"`
	Message        *model.Message `json:"message,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req service.BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ConversationIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation",
			"field":   "conversationIds",
			"message": "must not be empty",
		})
		return
	}

	results := h.sender.SendBulk(r.Context(), req)

	items := make([]bulkItem, len(results))
	failed := 0
	for i, res := range results {
		items[i] = bulkItem{ConversationID: res.ConversationID, Message: res.Message}
		if res.Err != nil {
			failed++
			_, body := sendErrorBody(res.Err)
			items[i].Error = body
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"sent":      len(items) - failed,
		"failed":    failed,
		"requested": len(items),
	})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (h *Handler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.messages.ListByConversation(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// VerifyWebhook answers the provider's subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" || q.Get("hub.verify_token") != h.verifyToken {
		h.metrics.WebhookRequestsTotal.WithLabelValues("verify_rejected").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h.metrics.WebhookRequestsTotal.WithLabelValues("verified").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook acknowledges every authentic delivery with 200, whatever
// happened to the individual events inside it.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.metrics.WebhookRequestsTotal.WithLabelValues("unreadable").Inc()
		h.log.Warn("webhook body unreadable", "err", err, "limit", maxWebhookBytes)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if h.appSecret != "" && !webhook.VerifySignature(h.appSecret, body, r.Header.Get(webhook.SignatureHeader)) {
		h.metrics.WebhookRequestsTotal.WithLabelValues("bad_signature").Inc()
		h.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	batch, err := webhook.Decode(body)
	if err != nil {
		h.metrics.WebhookRequestsTotal.WithLabelValues("undecodable").Inc()
		h.log.Warn("webhook payload undecodable", "err", err, "bytes", len(body))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookTimeout)
	defer cancel()

	report := h.reconciler.ApplyBatch(ctx, batch)
	h.metrics.WebhookRequestsTotal.WithLabelValues("ok").Inc()
	h.log.Info("webhook processed",
		"inbound", len(batch.Inbound),
		"statuses", len(batch.Statuses),
		"applied", report.StatusApplied,
		"ignored", report.StatusIgnored,
		"dropped", report.StatusDropped,
		"created", report.InboundCreated,
		"rejected", report.Rejected,
		"failed", report.Failed,
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

func (h *Handler) writeSendError(w http.ResponseWriter, msg model.Message, err error) {
	status, body := sendErrorBody(err)
	if msg.ID != "" {
		body["messageId"] = msg.ID
		body["status"] = msg.Status
	}
	if status == http.StatusInternalServerError {
		h.log.Error("send request failed", "err", err)
	}
	writeJSON(w, status, body)
}

func sendErrorBody(err error) (int, map[string]any) {
	var (
		ve  *service.ValidationError
		pie *service.PersistenceInconsistencyError
		se  *service.SendError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, map[string]any{
			"error":   "validation",
			"field":   ve.Field,
			"message": ve.Message,
		}
	case errors.As(err, &pie):
		return http.StatusInternalServerError, map[string]any{
			"error":             "persistence_inconsistency",
			"providerMessageId": pie.ProviderMessageID,
			"message":           "message was accepted by the provider but could not be recorded",
		}
	case errors.As(err, &se):
		return http.StatusBadGateway, map[string]any{
			"error":   "provider",
			"reason":  se.Reason,
			"message": se.Err.Error(),
		}
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, map[string]any{"error": "not_found"}
	default:
		return http.StatusInternalServerError, map[string]any{"error": "internal"}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json", "message": err.Error()})
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
