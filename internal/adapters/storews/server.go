package storews

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// WriteLimit mutations per WriteWindow per connection; 0 disables.
	WriteLimit  int
	WriteWindow time.Duration
	Policy      Policy
}

func (o *Options) withDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWindow <= 0 {
		o.WriteWindow = time.Second
	}
	if o.Policy == nil {
		o.Policy = SimplePolicy{}
	}
}

// Server upgrades HTTP requests to store connections on a shared hub.
type Server struct {
	Hub      *store.Hub
	Registry *Registry

	opts    Options
	limiter *ConnRateLimiter
}

func NewServer(hub *store.Hub, opts Options) *Server {
	opts.withDefaults()
	return &Server{
		Hub:      hub,
		Registry: NewRegistry(),
		opts:     opts,
		limiter:  NewConnRateLimiter(opts.WriteLimit, opts.WriteWindow),
	}
}

type wsStoreConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsStoreConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrStoreClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsStoreConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is the server side state of one websocket connection.
type session struct {
	id    string
	ws    *wsStoreConn
	store *store.Conn

	mu   sync.Mutex
	subs map[uint64]core.Subscription
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) HandleStore(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	id := token + "-" + uuid.NewString()[:8]
	log.Info().Str("module", "storews").Str("conn", id).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "storews").Msg("ws upgrade")
		return
	}
	s.Serve(ctx, ws, id, token)
}

// Serve runs a store session on an upgraded connection and returns
// immediately; the pumps own the connection from here.
func (s *Server) Serve(ctx context.Context, ws *websocket.Conn, id, token string) {
	conn := &wsStoreConn{
		conn: ws,
		send: make(chan []byte, s.opts.SendBuffer),
	}
	sess := &session{
		id:    id,
		ws:    conn,
		store: s.Hub.Connect(id),
		subs:  make(map[uint64]core.Subscription),
	}
	ctx, cancel := context.WithCancel(ctx)
	s.Registry.Bind(ConnInfo{
		ID:         id,
		Token:      token,
		RemoteAddr: ws.RemoteAddr().String(),
		Since:      time.Now(),
	}, conn, cancel)

	go s.writePump(ctx, conn)
	go s.readPump(ctx, cancel, sess)
}

func (s *Server) closeSession(sess *session) {
	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[uint64]core.Subscription)
	sess.mu.Unlock()
	for _, sub := range subs {
		sub.Unwatch()
	}
	// Fires every disconnect hook, whatever made the transport go away.
	sess.store.Disconnect()
	s.Registry.Unbind(sess.id)
	s.limiter.Forget(sess.id)
	sess.ws.Close()
}

func (s *Server) handleRequest(ctx context.Context, sess *session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "storews").Str("conn", sess.id).Msg("bad json")
		s.reply(sess, Reply{Op: OpAck, Code: CodeBadRequest, Error: "bad_payload"})
		return
	}

	switch req.Op {
	case OpWrite, OpPush, OpRemove:
		if !s.limiter.Allow(sess.id) {
			s.replyErr(sess, req.ID, ErrRateLimited)
			return
		}
	}

	switch req.Op {
	case OpHello:
		s.Registry.UpdateUID(sess.id, req.UID)
		s.reply(sess, Reply{ID: req.ID, Op: OpAck})
	case OpPing:
		s.reply(sess, Reply{ID: req.ID, Op: OpPong})
	case OpWrite:
		s.replyErr(sess, req.ID, sess.store.Write(ctx, req.Path, req.Value))
	case OpPush:
		key, err := sess.store.PushOnce(ctx, req.Path, req.Value, req.Token)
		if err != nil {
			s.replyErr(sess, req.ID, err)
			return
		}
		s.reply(sess, Reply{ID: req.ID, Op: OpAck, Key: key})
	case OpRemove:
		s.replyErr(sess, req.ID, sess.store.Remove(ctx, req.Path))
	case OpGet:
		snap, err := sess.store.Get(ctx, req.Path)
		if err != nil {
			s.replyErr(sess, req.ID, err)
			return
		}
		s.reply(sess, Reply{ID: req.ID, Op: OpAck, Snapshot: &snap})
	case OpWatch:
		s.handleWatch(ctx, sess, req)
	case OpUnwatch:
		sess.mu.Lock()
		sub, ok := sess.subs[req.Sub]
		delete(sess.subs, req.Sub)
		sess.mu.Unlock()
		if ok {
			sub.Unwatch()
			s.Registry.AddWatches(sess.id, -1)
		}
		s.reply(sess, Reply{ID: req.ID, Op: OpAck, Sub: req.Sub})
	case OpOnDisconnect:
		s.replyErr(sess, req.ID, sess.store.OnDisconnect(ctx, req.Path, req.Value))
	case OpCancelDisconnect:
		s.replyErr(sess, req.ID, sess.store.CancelOnDisconnect(ctx, req.Path))
	default:
		log.Warn().Str("module", "storews").Str("op", req.Op).Msg("unknown op")
		s.reply(sess, Reply{ID: req.ID, Op: OpAck, Code: CodeBadRequest, Error: "unknown op " + req.Op})
	}
}

func (s *Server) handleWatch(ctx context.Context, sess *session, req Request) {
	subID := req.Sub
	sub, err := sess.store.Watch(ctx, req.Path, func(snap core.Snapshot) {
		s.sendEvent(sess, subID, snap)
	})
	if err != nil {
		s.replyErr(sess, req.ID, err)
		return
	}
	sess.mu.Lock()
	old, replaced := sess.subs[subID]
	sess.subs[subID] = sub
	sess.mu.Unlock()
	if replaced {
		old.Unwatch()
	} else {
		s.Registry.AddWatches(sess.id, 1)
	}
	s.reply(sess, Reply{ID: req.ID, Op: OpAck, Sub: subID})
}

func (s *Server) sendEvent(sess *session, sub uint64, snap core.Snapshot) {
	b, err := json.Marshal(Reply{Op: OpEvent, Sub: sub, Snapshot: &snap})
	if err != nil {
		log.Error().Err(err).Str("module", "storews").Msg("event marshal")
		return
	}
	if err := sess.ws.TrySend(b); err != nil {
		s.onSendFailure(sess, err)
	}
}

func (s *Server) reply(sess *session, r Reply) {
	b, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Str("module", "storews").Msg("reply marshal")
		return
	}
	if err := sess.ws.TrySend(b); err != nil {
		s.onSendFailure(sess, err)
	}
}

func (s *Server) replyErr(sess *session, id uint64, err error) {
	if err == nil {
		s.reply(sess, Reply{ID: id, Op: OpAck})
		return
	}
	s.reply(sess, Reply{ID: id, Op: OpAck, Code: errorCode(err), Error: err.Error()})
}

func (s *Server) onSendFailure(sess *session, err error) {
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	var info ConnInfo
	for _, ci := range s.Registry.List() {
		if ci.ID == sess.id {
			info = ci
			break
		}
	}
	log.Warn().Str("module", "storews").Str("conn", sess.id).Msg("send buffer full")
	if s.opts.Policy.OnBackPressure(info) == KickConnection {
		s.Registry.Kick(sess.id)
	}
}
