package storews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ core.SignalStore       = (*Client)(nil)
	_ core.ReconnectNotifier = (*Client)(nil)
)

type ClientOptions struct {
	// UID is announced to the server for its connection listing.
	UID string
	// Token is sent as the client token cookie.
	Token string
	// RequestTimeout bounds a single round trip.
	RequestTimeout time.Duration
	// Retries for transient failures before an error is surfaced.
	Retries uint64
	// Reconnect keeps the client alive across transport drops.
	Reconnect bool
	Dialer    *websocket.Dialer
}

func (o *ClientOptions) withDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Retries == 0 {
		o.Retries = 5
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type clientSub struct {
	id     uint64
	path   string
	box    *store.Mailbox[core.Snapshot]
	client *Client
	once   sync.Once
}

func (s *clientSub) Unwatch() {
	s.once.Do(func() {
		s.box.Close()
		s.client.dropSub(s.id)
	})
}

// Client is a core.SignalStore backed by a remote store server.
type Client struct {
	url    string
	opts   ClientOptions
	logger zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[uint64]chan Reply
	subs    map[uint64]*clientSub
	hooks   map[string]json.RawMessage
	order   []string
	onRecon map[uint64]func()
	closed  bool
	online  chan struct{}

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the store server at url, retrying with exponential
// backoff until ctx ends.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	opts.withDefaults()
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		opts:    opts,
		logger:  log.With().Str("module", "storews.client").Str("url", url).Logger(),
		pending: make(map[uint64]chan Reply),
		subs:    make(map[uint64]*clientSub),
		hooks:   make(map[string]json.RawMessage),
		onRecon: make(map[uint64]func()),
		online:  make(chan struct{}),
		ctx:     cctx,
		cancel:  cancel,
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		return c.connect(ctx)
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Cookie", "ct="+c.opts.Token)
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	online := c.online
	c.mu.Unlock()
	close(online)
	go c.readLoop(ws)

	if c.opts.UID != "" {
		if _, err := c.roundTrip(ctx, Request{Op: OpHello, UID: c.opts.UID}); err != nil {
			c.logger.Warn().Err(err).Msg("hello")
		}
	}
	c.logger.Info().Msg("connected")
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onTransportLost(ws, err)
			return
		}
		var r Reply
		if err := json.Unmarshal(data, &r); err != nil {
			c.logger.Error().Err(err).Msg("bad reply")
			continue
		}
		if r.Op == OpEvent {
			c.mu.Lock()
			sub, ok := c.subs[r.Sub]
			c.mu.Unlock()
			if ok && r.Snapshot != nil {
				sub.box.Put(*r.Snapshot)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if ok {
			ch <- r
		}
	}
}

func (c *Client) onTransportLost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.online = make(chan struct{})
	pending := c.pending
	c.pending = make(map[uint64]chan Reply)
	closed := c.closed
	c.mu.Unlock()
	_ = ws.Close()

	for _, ch := range pending {
		ch <- Reply{Op: OpAck, Code: CodeClosed, Error: "connection lost"}
	}
	if closed {
		return
	}
	c.logger.Warn().Err(err).Msg("transport lost")
	if c.opts.Reconnect {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		return c.connect(c.ctx)
	}, backoff.WithContext(b, c.ctx), func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	hooks := make([]Request, 0, len(c.order))
	for _, p := range c.order {
		if raw, ok := c.hooks[p]; ok {
			hooks = append(hooks, Request{Op: OpOnDisconnect, Path: p, Value: raw})
		}
	}
	subs := make([]*clientSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	listeners := make([]func(), 0, len(c.onRecon))
	for _, fn := range c.onRecon {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, req := range hooks {
		if _, err := c.roundTrip(c.ctx, req); err != nil {
			c.logger.Error().Err(err).Str("path", req.Path).Msg("re-register disconnect hook")
		}
	}
	for _, s := range subs {
		if _, err := c.roundTrip(c.ctx, Request{Op: OpWatch, Path: s.path, Sub: s.id}); err != nil {
			c.logger.Error().Err(err).Str("path", s.path).Msg("re-watch")
		}
	}
	for _, fn := range listeners {
		fn()
	}
	c.logger.Info().Int("watches", len(subs)).Int("hooks", len(hooks)).Msg("reconnected")
}

// roundTrip sends one request and waits for its reply.
func (c *Client) roundTrip(ctx context.Context, req Request) (Reply, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply{}, core.ErrStoreClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return Reply{}, core.ErrStoreClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	b, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ID)
		return Reply{}, err
	}
	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Reply{}, fmt.Errorf("%w: %v", core.ErrStoreClosed, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, r.Err()
	case <-timer.C:
		c.forget(req.ID)
		return Reply{}, fmt.Errorf("%s %s: %w", req.Op, req.Path, context.DeadlineExceeded)
	case <-ctx.Done():
		c.forget(req.ID)
		return Reply{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func transient(err error) bool {
	return errors.Is(err, core.ErrStoreClosed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// call retries transient failures with backoff, waiting for the transport
// to come back in between.
func (c *Client) call(ctx context.Context, req Request) (Reply, error) {
	var reply Reply
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.Retries), ctx)
	err := backoff.Retry(func() error {
		c.mu.Lock()
		closed := c.closed
		online := c.online
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(core.ErrStoreClosed)
		}
		select {
		case <-online:
		case <-time.After(c.opts.RequestTimeout):
			return core.ErrStoreClosed
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		r, err := c.roundTrip(ctx, req)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		reply = r
		return err
	}, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && (req.Op == OpWrite || req.Op == OpPush || req.Op == OpRemove) && !errors.Is(err, core.ErrInvalidPath) {
		return reply, fmt.Errorf("%w: %s %s: %v", core.ErrStoreWrite, req.Op, req.Path, err)
	}
	return reply, err
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Request{Op: OpWrite, Path: path, Value: raw})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return "", err
	}
	// retries of a push whose ack was lost reuse the token, so the server
	// answers with the key it already assigned
	r, err := c.call(ctx, Request{Op: OpPush, Path: path, Value: raw, Token: uuid.NewString()})
	return r.Key, err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: OpRemove, Path: path})
	return err
}

func (c *Client) Get(ctx context.Context, path string) (core.Snapshot, error) {
	r, err := c.call(ctx, Request{Op: OpGet, Path: path})
	if err != nil {
		return core.Snapshot{}, err
	}
	if r.Snapshot == nil {
		return core.Snapshot{Path: path}, nil
	}
	return *r.Snapshot, nil
}

func (c *Client) Watch(ctx context.Context, path string, fn core.WatchFunc) (core.Subscription, error) {
	sub := &clientSub{
		id:     c.nextSub.Add(1),
		path:   path,
		box:    store.NewMailbox(func(s core.Snapshot) { fn(s) }),
		client: c,
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if _, err := c.call(ctx, Request{Op: OpWatch, Path: path, Sub: sub.id}); err != nil {
		sub.box.Close()
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *Client) dropSub(id uint64) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		defer cancel()
		if _, err := c.roundTrip(ctx, Request{Op: OpUnwatch, Sub: id}); err != nil && !errors.Is(err, core.ErrStoreClosed) {
			c.logger.Debug().Err(err).Uint64("sub", id).Msg("unwatch")
		}
	}()
}

func (c *Client) OnDisconnect(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, Request{Op: OpOnDisconnect, Path: path, Value: raw}); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.hooks[path]; !ok {
		c.order = append(c.order, path)
	}
	c.hooks[path] = raw
	c.mu.Unlock()
	return nil
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	c.mu.Lock()
	if _, ok := c.hooks[path]; ok {
		delete(c.hooks, path)
		c.order = slices.DeleteFunc(c.order, func(p string) bool { return p == path })
	}
	c.mu.Unlock()
	_, err := c.call(ctx, Request{Op: OpCancelDisconnect, Path: path})
	return err
}

func (c *Client) OnReconnect(fn func()) func() {
	id := c.nextSub.Add(1)
	c.mu.Lock()
	c.onRecon[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onRecon, id)
		c.mu.Unlock()
	}
}

// Close ends the connection. The server treats it like any other drop and
// runs the registered disconnect hooks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	subs := c.subs
	c.subs = make(map[uint64]*clientSub)
	c.mu.Unlock()
	c.cancel()

	for _, s := range subs {
		s.box.Close()
	}
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return ws.Close()
}
