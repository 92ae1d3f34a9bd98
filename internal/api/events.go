package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/LeventeLantos/whatsapp-crm/internal/events"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
	streamPingEvery    = 30 * time.Second
)

type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// StreamEvents pushes message and presence changes to a websocket client.
// An optional ?types=message.status,contact.presence narrows the stream.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	want := parseTypes(r.URL.Query().Get("types"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Clients only listen; reading in the background keeps pings and
	// close frames flowing.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := h.events.Subscribe(streamBuffer)
	defer cancel()

	h.log.Info("ws.stream.open", "remote", r.RemoteAddr)

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("ws.stream.closed", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				h.log.Info("ws.ping.fail", "remote", r.RemoteAddr, "err", err)
				return
			}
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				h.log.Info("ws.write.fail", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func parseTypes(raw string) map[events.Type]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.Type(t)] = true
		}
	}
	return out
}
