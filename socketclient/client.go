// Package socketclient is the persistent duplex connection the engine
// keeps open per user session: subscription management, heartbeat,
// capped-backoff reconnection, typing/presence aggregation, and
// inbound event dispatch. See spec.md §4.6.
//
// Grounded on the teacher's cli/pkg/websocket/client.go (atomic
// connection state, backoff-with-jitter reconnect loop, listener
// map, read/heartbeat goroutines), reshaped from its free-form
// {type, payload} envelope to the JSON-RPC-shaped {jsonrpc, method,
// params} frame this spec requires.
package socketclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/usethreadkit/threadkit-go/events"
	"github.com/usethreadkit/threadkit-go/model"
	"golang.org/x/time/rate"
)

// State is the connection lifecycle. See spec.md §4.6's diagram:
//
//	idle → connecting → open → {closed_clean, closed_error}
//	                     ↑               ↓
//	                     └───── backoff ─┘
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosedClean  State = "closed_clean"
	StateClosedError  State = "closed_error"
	StateBackoff      State = "backoff"
)

// maxSubscriptions is the client-side subscription set cap. See spec.md §4.6.
const maxSubscriptions = 10

var ErrClosed = errors.New("socketclient: client is closed")
var ErrSubscriptionLimit = fmt.Errorf("socketclient: subscription limit of %d pages reached", maxSubscriptions)

// Config configures a Client.
type Config struct {
	URL       string // base ws(s):// URL, without query params
	ProjectID string
	Token     string // empty for anonymous connections

	HeartbeatInterval   time.Duration
	IdleTimeout         time.Duration
	IdleCheckInterval   time.Duration
	TypingSweepInterval time.Duration

	Backoff *Backoff

	RateLimit rate.Limit
	RateBurst int

	Dial Dialer
}

// DefaultConfig returns the spec's literal timing parameters for wsURL.
func DefaultConfig(wsURL string) Config {
	return Config{
		URL:                 wsURL,
		HeartbeatInterval:   30 * time.Second,
		IdleTimeout:         90 * time.Second,
		IdleCheckInterval:   time.Second,
		TypingSweepInterval: 500 * time.Millisecond,
		RateLimit:           10,
		RateBurst:           10,
	}
}

// Client is a single persistent socket connection with reconnect,
// subscription, heartbeat, and typing/presence bookkeeping.
type Client struct {
	cfg  Config
	dial Dialer

	stateVal atomic.Value // State

	mu          sync.Mutex
	conn        Conn
	generation  int
	subs        map[string]bool
	lastFrameAt time.Time
	closed      bool
	presence    map[string][]model.PresenceUser

	backoff   *Backoff
	limiter   *rate.Limiter
	typingReg *typingRegistry
	emitter   *events.Emitter[any]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient constructs a Client from cfg. The connection is not
// established until Connect is called.
func NewClient(cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = DialGorilla
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.IdleCheckInterval == 0 {
		cfg.IdleCheckInterval = time.Second
	}
	if cfg.TypingSweepInterval == 0 {
		cfg.TypingSweepInterval = 500 * time.Millisecond
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		dial:      cfg.Dial,
		subs:      make(map[string]bool),
		presence:  make(map[string][]model.PresenceUser),
		backoff:   backoff,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		typingReg: newTypingRegistry(),
		emitter:   events.New[any](),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.setState(StateIdle)
	return c
}

// On subscribes to event, returning an unsubscribe function. See the
// Event* constants for names and their payload types.
func (c *Client) On(event string, fn func(any)) func() {
	return c.emitter.On(event, fn)
}

// State returns the connection's current lifecycle state.
func (c *Client) State() State {
	if v, ok := c.stateVal.Load().(State); ok {
		return v
	}
	return StateIdle
}

func (c *Client) setState(s State) {
	c.stateVal.Store(s)
	c.emitter.Emit(EventStateChange, StateChangeEvent{State: s})
}

// Connect dials the socket and, on success, starts the read,
// heartbeat, idle-timeout, and typing-sweep loops for the connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.dialAndStart()
}

func (c *Client) dialAndStart() error {
	c.setState(StateConnecting)

	conn, err := c.dial(c.ctx, c.buildURL())
	if err != nil {
		c.setState(StateClosedError)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
	c.backoff.Reset()

	c.setState(StateOpen)
	c.resubscribeAll()

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(gen)
	go c.idleSweepLoop(gen)
	go c.typingSweepLoop(gen)
	return nil
}

func (c *Client) buildURL() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	if c.cfg.ProjectID != "" {
		q.Set("project_id", c.cfg.ProjectID)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Disconnect closes the connection cleanly and permanently; no
// reconnect follows. See spec.md §4.6 "closed_clean ... does not
// [trigger reconnect]".
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.setState(StateClosedClean)
	return nil
}

func (c *Client) onConnLost(gen int) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return // superseded by a newer connection; nothing to do
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.setState(StateClosedClean)
		return
	}
	c.setState(StateClosedError)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.setState(StateBackoff)
	delay := c.backoff.Next()
	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.dialAndStart(); err != nil {
			log.Debug("socketclient reconnect failed", "attempt", c.backoff.Attempt(), "error", err)
		}
	}()
}

func (c *Client) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnLost(gen)
			return
		}
		c.mu.Lock()
		c.lastFrameAt = time.Now()
		c.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug("socketclient: dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) heartbeatLoop(gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.sameGeneration(gen) {
				return
			}
			_ = c.sendFrame(MethodPing, nil)
		}
	}
}

func (c *Client) idleSweepLoop(gen int) {
	ticker := time.NewTicker(c.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.sameGeneration(gen) {
				return
			}
			c.mu.Lock()
			idle := time.Since(c.lastFrameAt) > c.cfg.IdleTimeout
			c.mu.Unlock()
			if idle {
				c.onConnLost(gen)
				return
			}
		}
	}
}

func (c *Client) typingSweepLoop(gen int) {
	ticker := time.NewTicker(c.cfg.TypingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.sameGeneration(gen) {
				return
			}
			c.mu.Lock()
			changedPages := c.typingReg.sweep(time.Now())
			var evs []TypingEvent
			for _, pageID := range changedPages {
				evs = append(evs, TypingEvent{PageID: pageID, Users: c.typingReg.list(pageID)})
			}
			c.mu.Unlock()
			for _, ev := range evs {
				c.emitter.Emit(EventTyping, ev)
			}
		}
	}
}

func (c *Client) sameGeneration(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

// Subscribe adds pageID to the subscription set and, if open, sends a
// subscribe frame immediately. See spec.md §4.6.
func (c *Client) Subscribe(pageID string) error {
	c.mu.Lock()
	if !c.subs[pageID] && len(c.subs) >= maxSubscriptions {
		c.mu.Unlock()
		return ErrSubscriptionLimit
	}
	c.subs[pageID] = true
	c.mu.Unlock()

	if c.State() != StateOpen {
		return nil
	}
	return c.sendFrame(MethodSubscribe, subscribeParams{PageID: pageID})
}

// Unsubscribe removes pageID and, if open, sends an unsubscribe frame.
func (c *Client) Unsubscribe(pageID string) error {
	c.mu.Lock()
	delete(c.subs, pageID)
	c.mu.Unlock()

	if c.State() != StateOpen {
		return nil
	}
	return c.sendFrame(MethodUnsubscribe, subscribeParams{PageID: pageID})
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	pages := make([]string, 0, len(c.subs))
	for p := range c.subs {
		pages = append(pages, p)
	}
	c.mu.Unlock()

	for _, p := range pages {
		if err := c.sendFrame(MethodSubscribe, subscribeParams{PageID: p}); err != nil {
			log.Debug("socketclient: resubscribe failed", "page", p, "error", err)
		}
	}
}

// SendTyping announces that the viewer is typing on pageID, optionally
// in reply to replyTo.
func (c *Client) SendTyping(pageID string, replyTo *string) error {
	return c.sendFrame(MethodTyping, typingParams{PageID: pageID, ReplyTo: replyTo})
}

func (c *Client) sendFrame(method string, params any) error {
	if !c.limiter.Allow() {
		c.emitter.Emit(EventError, ErrorEvent{Code: "rate_limit", Message: "outbound rate limit exceeded"})
		return fmt.Errorf("socketclient: outbound rate limit exceeded")
	}

	f, err := newFrame(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socketclient: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dispatch(f Frame) {
	switch f.Method {
	case MethodConnected:
		var p connectedParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventConnected, ConnectedEvent{UserID: p.UserID})

	case MethodPresence:
		var p presenceParams
		_ = json.Unmarshal(f.Params, &p)
		c.mu.Lock()
		c.presence[p.PageID] = p.Users
		c.mu.Unlock()
		c.emitter.Emit(EventPresence, PresenceEvent{PageID: p.PageID, Users: p.Users})

	case MethodUserJoined:
		var p userPresenceDeltaParams
		_ = json.Unmarshal(f.Params, &p)
		c.mu.Lock()
		c.presence[p.PageID] = append(c.presence[p.PageID], p.User)
		c.mu.Unlock()
		c.emitter.Emit(EventUserJoined, UserPresenceDeltaEvent{PageID: p.PageID, User: p.User})

	case MethodUserLeft:
		var p userPresenceDeltaParams
		_ = json.Unmarshal(f.Params, &p)
		c.mu.Lock()
		list := c.presence[p.PageID]
		for i, u := range list {
			if u.UserID == p.User.UserID {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		c.presence[p.PageID] = list
		c.mu.Unlock()
		c.emitter.Emit(EventUserLeft, UserPresenceDeltaEvent{PageID: p.PageID, User: p.User})

	case MethodTyping:
		var p typingInboundParams
		_ = json.Unmarshal(f.Params, &p)
		c.mu.Lock()
		c.typingReg.insert(p.PageID, model.TypingUser{UserID: p.UserID, UserName: p.UserName, ReplyTo: p.ReplyTo}, time.Now())
		users := c.typingReg.list(p.PageID)
		c.mu.Unlock()
		c.emitter.Emit(EventTyping, TypingEvent{PageID: p.PageID, Users: users})

	case MethodNewComment:
		var p newCommentParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventCommentAdded, CommentAddedEvent{PageID: p.PageID, Comment: p.Comment})

	case MethodEditComment:
		var p editCommentParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventCommentEdited, CommentEditedEvent{PageID: p.PageID, ID: p.ID, Text: p.Text, TextHTML: p.TextHTML})

	case MethodDeleteComment:
		var p deleteCommentParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventCommentDeleted, CommentDeletedEvent{PageID: p.PageID, ID: p.ID})

	case MethodVoteUpdate:
		var p voteUpdateParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventVoteUpdated, VoteUpdatedEvent{PageID: p.PageID, ID: p.ID, Upvotes: p.Upvotes, Downvotes: p.Downvotes})

	case MethodPinUpdate:
		var p pinUpdateParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventPinUpdated, PinUpdatedEvent{PageID: p.PageID, ID: p.ID, Pinned: p.Pinned, PinnedAt: p.PinnedAt})

	case MethodNotification:
		c.emitter.Emit(EventNotification, NotificationEvent{Payload: f.Params})

	case MethodPong:
		// lastFrameAt already refreshed in readLoop for every frame.

	case MethodErrorFrame:
		var p errorFrameParams
		_ = json.Unmarshal(f.Params, &p)
		c.emitter.Emit(EventError, ErrorEvent{Code: p.Code, Message: p.Message})

	default:
		log.Debug("socketclient: unknown inbound method", "method", f.Method)
	}
}

// Presence returns the last-known participant list for pageID.
func (c *Client) Presence(pageID string) []model.PresenceUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.PresenceUser{}, c.presence[pageID]...)
}

// Typing returns the current typists on pageID.
func (c *Client) Typing(pageID string) []model.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingReg.list(pageID)
}
