package storews

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (s *Server) writePump(ctx context.Context, c *wsStoreConn) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "storews").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "storews").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "storews").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "storews").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "storews").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump owns the connection lifetime. Whatever ends it, a clean close,
// a read error or a missed pong, the session is torn down and the hub runs
// the connection's disconnect hooks.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, sess *session) {
	defer func() {
		log.Info().Str("module", "storews").Str("conn", sess.id).Msg("readPump closing")
		cancel()
		s.closeSession(sess)
	}()

	conn := sess.ws.conn
	pongWait := s.opts.PingPeriod * 10 / 9
	conn.SetReadLimit(s.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "storews").Str("conn", sess.id).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "storews").Str("conn", sess.id).Msg("readPump unexpected close")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleRequest(ctx, sess, data)
	}
}
