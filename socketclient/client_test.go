package socketclient

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/gorilla/websocket"
)

// fakeConn is an in-process stand-in for a *websocket.Conn: frames
// written by the client land on out, and frames queued on in are
// delivered to the next ReadMessage call. Closing in (or setting
// readErr) simulates a server-initiated disconnect.
type fakeConn struct {
	mu      sync.Mutex
	in      chan []byte
	out     chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case f.out <- data:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeConn) push(t *testing.T, frame Frame) {
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) awaitOutbound(t *testing.T) Frame {
	t.Helper()
	select {
	case data := <-f.out:
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

func dialerFor(conns ...*fakeConn) (Dialer, *int) {
	calls := 0
	return func(ctx context.Context, url string) (Conn, error) {
		if calls >= len(conns) {
			return nil, io.ErrClosedPipe
		}
		c := conns[calls]
		calls++
		return c, nil
	}, &calls
}

func newTestClient(conns ...*fakeConn) *Client {
	dial, _ := dialerFor(conns...)
	cfg := DefaultConfig("wss://example.com/socket")
	cfg.Dial = dial
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 80 * time.Millisecond
	cfg.IdleCheckInterval = 10 * time.Millisecond
	cfg.TypingSweepInterval = 10 * time.Millisecond
	cfg.Backoff = NewBackoff(5*time.Millisecond, 20*time.Millisecond, 2, 0)
	return NewClient(cfg)
}

func TestConnectTransitionsToOpenAndDispatchesConnected(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)

	var got ConnectedEvent
	done := make(chan struct{})
	client.On(EventConnected, func(p any) {
		got = p.(ConnectedEvent)
		close(done)
	})

	require.NoError(t, client.Connect())
	assert.Equal(t, StateOpen, client.State())

	conn.push(t, Frame{Jsonrpc: "2.0", Method: MethodConnected, Params: mustJSON(t, connectedParams{UserID: "u1"})})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connected event not received")
	}
	assert.Equal(t, "u1", got.UserID)
}

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSubscribeSendsFrameWhenOpen(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	require.NoError(t, client.Subscribe("page-1"))

	frame := conn.awaitOutbound(t)
	assert.Equal(t, MethodSubscribe, frame.Method)

	var params subscribeParams
	require.NoError(t, json.Unmarshal(frame.Params, &params))
	assert.Equal(t, "page-1", params.PageID)
}

func TestSubscriptionCapRejectsEleventh(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	for i := 0; i < maxSubscriptions; i++ {
		require.NoError(t, client.Subscribe(pageName(i)))
		conn.awaitOutbound(t) // drain
	}

	err := client.Subscribe("one-too-many")
	assert.ErrorIs(t, err, ErrSubscriptionLimit)
}

func pageName(i int) string {
	return "page-" + string(rune('a'+i))
}

func TestResubscribeIsIdempotentUnderCap(t *testing.T) {
	conn := newFakeConn()
	// 11 subscribe frames go out below; give the outbound limiter room
	// for them so only the subscription cap is exercised.
	dial, _ := dialerFor(conn)
	cfg := DefaultConfig("wss://example.com/socket")
	cfg.Dial = dial
	cfg.RateBurst = maxSubscriptions + 1
	client := NewClient(cfg)
	require.NoError(t, client.Connect())

	require.NoError(t, client.Subscribe("page-1"))
	conn.awaitOutbound(t)
	require.NoError(t, client.Subscribe("page-1")) // already subscribed, must not count twice
	conn.awaitOutbound(t)

	for i := 0; i < maxSubscriptions-1; i++ {
		require.NoError(t, client.Subscribe(pageName(i)))
		conn.awaitOutbound(t)
	}
}

func TestUnsubscribeSendsFrame(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())
	require.NoError(t, client.Subscribe("page-1"))
	conn.awaitOutbound(t)

	require.NoError(t, client.Unsubscribe("page-1"))
	frame := conn.awaitOutbound(t)
	assert.Equal(t, MethodUnsubscribe, frame.Method)
}

func TestDispatchVoteUpdateEmitsEvent(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	done := make(chan VoteUpdatedEvent, 1)
	client.On(EventVoteUpdated, func(p any) { done <- p.(VoteUpdatedEvent) })

	conn.push(t, Frame{Jsonrpc: "2.0", Method: MethodVoteUpdate, Params: mustJSON(t, voteUpdateParams{
		PageID: "p1", ID: "c1", Upvotes: 5, Downvotes: 2,
	})})

	select {
	case ev := <-done:
		assert.Equal(t, "c1", ev.ID)
		assert.Equal(t, 5, ev.Upvotes)
		assert.Equal(t, 2, ev.Downvotes)
	case <-time.After(time.Second):
		t.Fatal("voteUpdated event not received")
	}
}

func TestDispatchTypingAggregatesByPage(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	events := make(chan TypingEvent, 8)
	client.On(EventTyping, func(p any) { events <- p.(TypingEvent) })

	conn.push(t, Frame{Jsonrpc: "2.0", Method: MethodTyping, Params: mustJSON(t, typingInboundParams{
		PageID: "p1", UserID: "u1", UserName: "Ada",
	})})

	var first TypingEvent
	select {
	case first = <-events:
	case <-time.After(time.Second):
		t.Fatal("typing event not received")
	}
	assert.Len(t, first.Users, 1)
	assert.Equal(t, "u1", first.Users[0].UserID)

	// typingExpiry is 3000ms; the registry sweep won't clear it within
	// this test's short window, so just assert the aggregation shape.
	assert.Equal(t, "p1", first.PageID)
}

func TestDisconnectIsCleanAndDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dial, calls := dialerFor(conn)
	cfg := DefaultConfig("wss://example.com/socket")
	cfg.Dial = dial
	cfg.Backoff = NewBackoff(5*time.Millisecond, 20*time.Millisecond, 2, 0)
	client := NewClient(cfg)

	require.NoError(t, client.Connect())
	require.NoError(t, client.Disconnect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosedClean, client.State())
	assert.Equal(t, 1, *calls, "no reconnect attempt after an explicit Disconnect")
}

func TestReadErrorTriggersReconnectAndResubscribes(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	client := newTestClient(first, second)

	require.NoError(t, client.Connect())
	require.NoError(t, client.Subscribe("page-1"))
	first.awaitOutbound(t)

	first.Close() // simulate server-initiated disconnect

	require.Eventually(t, func() bool {
		return client.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond, "client did not reconnect")

	// the new connection should see a fresh subscribe frame for page-1.
	frame := second.awaitOutbound(t)
	assert.Equal(t, MethodSubscribe, frame.Method)
}

func TestIdleTimeoutForcesReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	client := newTestClient(first, second)
	require.NoError(t, client.Connect())

	// no frames arrive; idle timeout (80ms) should force a close and
	// a subsequent reconnect onto the second fake connection.
	require.Eventually(t, func() bool {
		return client.State() == StateOpen && secondGenerationReached(client)
	}, 3*time.Second, 10*time.Millisecond, "client did not recover from an idle timeout")
}

func secondGenerationReached(c *Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation >= 2
}

func TestHeartbeatSendsPing(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	frame := conn.awaitOutbound(t)
	assert.Equal(t, MethodPing, frame.Method)
}

func TestBackoffNextGrowsAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond, 2, 0)
	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next(), "capped at 40ms")
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond, 2, 0)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestOutboundRateLimitDropsExcessAndEmitsError(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)
	require.NoError(t, client.Connect())

	errs := make(chan ErrorEvent, 4)
	client.On(EventError, func(p any) { errs <- p.(ErrorEvent) })

	var lastErr error
	for i := 0; i < maxSubscriptions+1; i++ {
		lastErr = client.SendTyping("page-1", nil)
	}
	require.Error(t, lastErr, "the 11th send within the burst window must be dropped")

	select {
	case ev := <-errs:
		assert.Equal(t, "rate_limit", ev.Code)
	case <-time.After(time.Second):
		t.Fatal("rate_limit error event not emitted")
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 2, 0.2)
	d := b.Next()
	assert.GreaterOrEqual(t, d, 80*time.Millisecond)
	assert.LessOrEqual(t, d, 120*time.Millisecond)
}
