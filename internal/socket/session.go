package socket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pulse/internal/apperr"
	"pulse/internal/auth"
	logx "pulse/pkg/logx"
)

// session is one channel: a single websocket from one device or tab.
//
// Only the write pump writes data frames. Close and control frames may be
// written from any goroutine.
type session struct {
	hub    *Hub
	id     string
	user   auth.Identity
	remote string
	conn   *websocket.Conn
	log    logx.Logger

	send       chan []byte
	flood      *rate.Limiter
	lastActive atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	why       atomic.Value // string
}

func (s *session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

// emit queues an encoded frame. A full buffer means the client is not
// reading; the channel is closed rather than blocking the caller.
func (s *session) emit(event string, data any) bool {
	b, err := encodeFrame(event, data)
	if err != nil {
		s.log.Error("encode frame failed", logx.String("event", event), logx.Err(err))
		return false
	}
	return s.enqueue(b)
}

func (s *session) enqueue(b []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	default:
		s.close(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (s *session) emitError(event string, err error) {
	ae := apperr.From(err)
	switch ae.Kind {
	case apperr.KindStore, apperr.KindInternal:
		s.log.Error("event failed", logx.String("event", event), logx.Err(ae))
	default:
		s.log.Debug("event rejected", logx.String("event", event), logx.String("code", ae.Code))
	}
	s.emit(EventError, ErrorPayload{
		Event:        event,
		Code:         ae.Code,
		Message:      ae.Message,
		RetryAfterMs: retryMillis(ae.RetryAfter),
	})
}

func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.why.Store(reason)
		s.cancel()
		deadline := time.Now().Add(s.hub.cfg.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

func (s *session) closeReason() string {
	if v, ok := s.why.Load().(string); ok {
		return v
	}
	return "client closed"
}

func (s *session) writePump() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug("write failed", logx.Err(err))
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				s.log.Debug("ping failed", logx.Err(err))
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// readPump runs until the connection fails or is closed. Pongs only extend
// the read deadline; inbound events also refresh the activity marker.
func (s *session) readPump() {
	cfg := s.hub.cfg
	readWait := 2 * cfg.PingInterval
	s.conn.SetReadLimit(cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", logx.Err(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		if typ != websocket.TextMessage {
			continue
		}
		now := s.hub.now()
		s.touch(now)
		s.hub.presence.Touch(s.id)

		if !s.flood.Allow() {
			s.hub.publish(BusLimited, map[string]string{"limiter": "inbound", "key": s.user.UserID})
			s.emitError("", apperr.RateLimited("rate_limited", s.floodRetry()))
			continue
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			s.emitError("", apperr.Invalid("invalid_frame", "frame must be {\"event\", \"data\"}"))
			continue
		}
		s.hub.dispatch(s, f)
	}
}

func (s *session) floodRetry() time.Duration {
	lim := s.flood.Limit()
	if lim <= 0 || lim == rate.Inf {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(lim))
}
