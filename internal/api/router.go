package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires the handlers. A nil gatherer leaves /metrics unregistered.
func Router(h *Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/messages", h.SendMessage)
	mux.HandleFunc("POST /v1/messages/bulk", h.SendBulk)
	mux.HandleFunc("POST /v1/messages/{id}/resend", h.ResendMessage)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.ListConversationMessages)

	mux.HandleFunc("GET /v1/contacts", h.ListContacts)
	mux.HandleFunc("GET /v1/contacts/{id}", h.GetContact)

	mux.HandleFunc("GET /v1/presence/status", h.PresenceStatus)
	mux.HandleFunc("POST /v1/presence/start", h.PresenceStart)
	mux.HandleFunc("POST /v1/presence/stop", h.PresenceStop)

	mux.HandleFunc("GET /v1/webhook", h.VerifyWebhook)
	mux.HandleFunc("POST /v1/webhook", h.ReceiveWebhook)

	mux.HandleFunc("GET /v1/events", h.StreamEvents)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-crm"))
	})

	return mux
}
