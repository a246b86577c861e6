package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *stdhttp.Request) bool { return true },
}

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// eventConn streams session events to one UI websocket.
type eventConn struct {
	conn   WSConn
	send   chan []byte
	once   sync.Once
	logger zerolog.Logger
}

func newEventConn(conn WSConn, logger zerolog.Logger) *eventConn {
	return &eventConn{conn: conn, send: make(chan []byte, 64), logger: logger}
}

func (c *eventConn) TrySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *eventConn) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// writeLoop pumps frames to the network until ctx ends or a write fails.
func (c *eventConn) writeLoop(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write")
				return
			}
		}
	}
}

// readLoop discards client frames; it only notices the peer going away.
func (c *eventConn) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// snapshotFrame opens every stream so the UI can render before the first event.
type snapshotFrame struct {
	Kind     string           `json:"kind"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type eventsController struct {
	reg *session.Registry
}

// handle upgrades the request and streams the client's session events, starting
// with the current snapshot.
func (e *eventsController) handle(ctx context.Context, c *gin.Context) {
	sid := token(c)
	logger := log.With().Str("module", "adapters.http").Str("sid", sid).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("ws upgrade")
		return
	}

	s := e.reg.GetOrCreate(sid)
	events, stop := s.Subscribe()
	conn := newEventConn(ws, logger)

	ctx, cancel := context.WithCancel(ctx)
	go conn.readLoop(cancel)
	go conn.writeLoop(ctx)

	if data, err := json.Marshal(snapshotFrame{Kind: "snapshot", Snapshot: s.Snapshot()}); err == nil {
		_ = conn.TrySend(data)
	}

	go func() {
		defer stop()
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("events stream closed")
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					logger.Error().Err(err).Msg("marshal event")
					continue
				}
				if err := conn.TrySend(data); err != nil {
					logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("event dropped")
				}
			}
		}
	}()
}
