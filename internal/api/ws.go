package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 1 << 12
	wsQueueSize  = 32
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// checkOrigin admits non-browser clients (no Origin header), pages served
// from the host the client dialed, and the configured allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}

	s.log.Warn().Str("origin", origin).Str("host", r.Host).Msg("WebSocket origin rejected")
	return false
}

// wsConnect streams status, temperature, valve and error entries to the
// client as they are published. Store callbacks only enqueue; a full queue
// drops the entry for this client.
func (s *Server) wsConnect(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	queue := make(chan wsEnvelope, wsQueueSize)
	var dropped atomic.Uint64
	push := func(typ string, v any) {
		select {
		case queue <- wsEnvelope{Type: typ, Data: v}:
		default:
			dropped.Add(1)
		}
	}

	subs := []store.Subscription{
		store.Subscribe(s.store, store.SystemStatus, func(e store.Entry[model.Status]) { push("status", e.Value) }),
		store.Subscribe(s.store, store.Temperature, func(e store.Entry[model.TemperatureSample]) { push("temperature", e.Value) }),
		store.Subscribe(s.store, store.ValvePosition, func(e store.Entry[model.ValvePosition]) { push("valve", e.Value) }),
		store.Subscribe(s.store, store.Error, func(e store.Entry[model.ErrorReport]) { push("error", e.Value) }),
	}
	defer func() {
		for _, sub := range subs {
			s.store.Unsubscribe(sub)
		}
	}()

	client := c.ClientIP()
	s.log.Debug().Str("client", client).Msg("WebSocket client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if err := s.wsWrite(conn, wsEnvelope{Type: "status", Data: s.ctrl.Status()}); err != nil {
		return
	}

	for {
		select {
		case <-done:
			s.log.Debug().
				Str("client", client).
				Uint64("dropped", dropped.Load()).
				Msg("WebSocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-queue:
			if err := s.wsWrite(conn, msg); err != nil {
				s.log.Debug().Err(err).Str("client", client).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, msg wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
