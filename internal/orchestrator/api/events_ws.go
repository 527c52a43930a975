package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ventupx/wrb-vpn-system/pkg/events"
	pkgapi "github.com/ventupx/wrb-vpn-system/pkg/api"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// eventsHandler streams bus events to the client. The optional type query parameter keeps only
// events whose type starts with it. Events are dropped for clients that cannot keep up.
func (s *Server) eventsHandler(c *gin.Context) {
	if s.deps.Bus == nil {
		writeError(c, apperrors.NewSystemError(apperrors.ErrCodeInternal, "event bus not configured", false, nil))
		return
	}
	ctx := c.Request.Context()
	log := GetLogger(ctx)
	prefix := c.Query("type")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WarnCtx(ctx, "websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	out := make(chan pkgapi.EventMessage, wsBuffer)
	unsubscribe, err := s.deps.Bus.Subscribe(events.AllEvents, func(_ context.Context, ev events.Event) error {
		if prefix != "" && !strings.HasPrefix(ev.Type(), prefix) {
			return nil
		}
		msg := pkgapi.EventMessage{ID: ev.ID(), Type: ev.Type(), Timestamp: ev.Timestamp(), Data: ev.Metadata()}
		select {
		case out <- msg:
		default:
			log.Debug("dropping event for slow websocket client", "event_type", ev.Type())
		}
		return nil
	})
	if err != nil {
		log.ErrorCtx(ctx, "event subscription failed", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer func() { _ = unsubscribe() }()

	// The reader only services control frames and notices the client going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	log.InfoContext(ctx, "event stream opened", "filter", prefix)
	for {
		select {
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.WarnCtx(ctx, "event stream write failed", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.InfoContext(ctx, "event stream closed by client")
			return
		case <-s.closing.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
