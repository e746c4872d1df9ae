package client

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
)

type fakeConn struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	readErr    error
	written    []core.Message
	closeCodes []int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.inbound:
		return websocket.TextMessage, b, nil
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return 0, nil, f.readErr
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	msg, err := core.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCodes = append(f.closeCodes, int(binary.BigEndian.Uint16(data)))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.shutdown(errors.New("use of closed network connection"))
	return nil
}

// serverClose simulates the relay closing the socket with code.
func (f *fakeConn) serverClose(code int) {
	f.shutdown(&websocket.CloseError{Code: code})
}

func (f *fakeConn) shutdown(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.readErr = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeConn) push(s string) { f.inbound <- []byte(s) }

func (f *fakeConn) sent() []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Message(nil), f.written...)
}

func (f *fakeConn) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

type fakeDialer struct {
	clock   *clock.Mock
	succeed bool
	// entered, when set, makes Dial report itself and block until ctx ends.
	entered chan struct{}

	mu    sync.Mutex
	dials []time.Time
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.entered != nil {
		close(d.entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, d.clock.Now())
	d.urls = append(d.urls, url)
	if !d.succeed {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recorder struct {
	mu          sync.Mutex
	messages    []core.Message
	disconnects []int
	delays      []time.Duration
	connects    int
}

func (r *recorder) wire(o *Options) {
	o.OnConnect = func() {
		r.mu.Lock()
		r.connects++
		r.mu.Unlock()
	}
	o.OnMessage = func(m core.Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	}
	o.OnDisconnect = func(code int) {
		r.mu.Lock()
		r.disconnects = append(r.disconnects, code)
		r.mu.Unlock()
	}
	o.OnReconnect = func(_ int, delay time.Duration) {
		r.mu.Lock()
		r.delays = append(r.delays, delay)
		r.mu.Unlock()
	}
}

func (r *recorder) scheduled() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *recorder) received() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Message(nil), r.messages...)
}

func (r *recorder) closes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.disconnects...)
}

func newTestClient(t *testing.T, d *fakeDialer, rec *recorder, tweak func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:   "https://support.example.com",
		Token:     "tok",
		BaseDelay: time.Second,
		Dialer:    d,
		Clock:     d.clock,
	}
	rec.wire(&opts)
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 2))
	assert.Equal(t, 16*time.Second, Backoff(time.Second, 5))
	assert.Equal(t, 500*time.Millisecond, Backoff(500*time.Millisecond, 0))
}

func TestReconnectDelayDoublesUntilRetriesExhausted(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock}
	rec := &recorder{}
	c := newTestClient(t, d, rec, func(o *Options) { o.MaxRetries = 4 })

	require.NoError(t, c.Connect())
	require.Equal(t, []time.Duration{time.Second}, rec.scheduled())
	assert.Equal(t, StateReconnecting, c.State())

	for attempt := 1; attempt <= 4; attempt++ {
		mock.Add(Backoff(time.Second, attempt))
		require.Eventually(t, func() bool { return len(d.dialTimes()) == attempt+1 }, time.Second, time.Millisecond)
		if attempt < 4 {
			require.Eventually(t, func() bool { return len(rec.scheduled()) == attempt+1 }, time.Second, time.Millisecond)
		}
	}
	require.Eventually(t, c.Exhausted, time.Second, time.Millisecond)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.scheduled())

	dials := d.dialTimes()
	for i := 1; i < len(dials); i++ {
		assert.Equal(t, time.Second<<(i-1), dials[i].Sub(dials[i-1]), "gap before dial %d", i)
	}

	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.dialTimes(), 5, "no attempt after the maximum")
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(), ErrExhausted)
	assert.Len(t, rec.closes(), 5, "every failed attempt surfaces a disconnect")
}

func TestCleanServerCloseDoesNotReconnect(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, nil)

	require.NoError(t, c.Connect())
	require.Equal(t, StateConnected, c.State())

	d.conn(0).serverClose(core.CloseNormal)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, d.dialTimes(), 1)
	assert.Empty(t, rec.scheduled())
	assert.Equal(t, []int{core.CloseNormal}, rec.closes())
}

func TestAbnormalCloseReconnectsAndResetsRetries(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, nil)

	require.NoError(t, c.Connect())
	d.conn(0).serverClose(core.ClosePolicyViolation)

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Retries())
	assert.Equal(t, []time.Duration{time.Second}, rec.scheduled())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Retries())
	assert.Len(t, d.dialTimes(), 2)
	assert.Equal(t, []int{core.ClosePolicyViolation}, rec.closes())
}

func TestDisconnectIsCleanAndFinal(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, nil)

	require.NoError(t, c.Connect())
	conn := d.conn(0)
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []int{core.CloseNormal}, conn.codes())

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, d.dialTimes(), 1)
	assert.Empty(t, rec.scheduled())
	assert.ErrorIs(t, c.Send(core.Message{Type: core.TypePing}), ErrNotConnected)

	// An intentional disconnect does not use up the instance.
	require.NoError(t, c.Connect())
	assert.Equal(t, StateConnected, c.State())
}

func TestDisconnectDuringDialReportsCleanClose(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, entered: make(chan struct{})}
	rec := &recorder{}
	c := newTestClient(t, d, rec, func(o *Options) { o.DialTimeout = time.Hour })

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()
	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never started")
	}

	c.Disconnect()
	require.NoError(t, <-done)

	assert.Equal(t, []int{core.CloseNormal}, rec.closes())
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Exhausted())
	assert.Empty(t, rec.scheduled())
	assert.Zero(t, c.Retries())
}

func TestSendIsRejectedWhileNotConnected(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock}
	rec := &recorder{}
	c := newTestClient(t, d, rec, func(o *Options) { o.MaxRetries = 1 })

	assert.ErrorIs(t, c.AgentReady(), ErrNotConnected)

	require.NoError(t, c.Connect())
	assert.Equal(t, StateReconnecting, c.State())
	assert.ErrorIs(t, c.EndCall("C1"), ErrNotConnected)

	// Rejected messages are not replayed once a connection exists.
	d.mu.Lock()
	d.succeed = true
	d.mu.Unlock()
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, d.conn(0).sent())
}

func TestInboundMessages(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, nil)
	require.NoError(t, c.Connect())

	conn := d.conn(0)
	conn.push(`{not json`)
	conn.push(`{"type":"connection_established","connectionId":"c-1","timestamp":1}`)
	conn.push(`{"type":"incoming-call","callId":"C1","callerName":"Ann","callReason":"billing"}`)

	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, time.Second, time.Millisecond)
	got := rec.received()
	assert.Equal(t, core.TypeConnectionEstablished, got[0].Type)
	assert.Equal(t, core.TypeIncomingCall, got[1].Type)
	assert.Equal(t, domain.CallID("C1"), got[1].CallID)
	assert.Equal(t, "Ann", got[1].Name)
	assert.Equal(t, "billing", got[1].Reason)
	assert.Equal(t, domain.ConnectionID("c-1"), c.ID())
	assert.Equal(t, StateConnected, c.State(), "malformed input does not drop the connection")
}

func TestHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, func(o *Options) { o.HeartbeatInterval = 30 * time.Second })
	require.NoError(t, c.Connect())

	mock.Add(29 * time.Second)
	assert.Empty(t, d.conn(0).sent())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(d.conn(0).sent()) == 1 }, time.Second, time.Millisecond)
	ping := d.conn(0).sent()[0]
	assert.Equal(t, core.TypePing, ping.Type)
	assert.Equal(t, mock.Now().UnixMilli(), ping.Timestamp)
}

func TestTypedSends(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	rec := &recorder{}
	c := newTestClient(t, d, rec, nil)
	require.NoError(t, c.Connect())

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.NoError(t, c.SendOffer("C1", offer, domain.CallerInfo{Name: "Ann", Phone: "555"}))
	idx := uint16(0)
	require.NoError(t, c.SendCandidate("C1", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMLineIndex: &idx}))

	sent := d.conn(0).sent()
	require.Len(t, sent, 2)

	assert.Equal(t, core.TypeOffer, sent[0].Type)
	assert.Equal(t, "Ann", sent[0].Name)
	gotOffer, err := DecodeSessionDescription(sent[0].Offer)
	require.NoError(t, err)
	assert.Equal(t, offer, gotOffer)

	assert.Equal(t, core.TypeICECandidate, sent[1].Type)
	cand, err := DecodeCandidate(sent[1].Candidate)
	require.NoError(t, err)
	require.NotNil(t, cand.SDPMLineIndex)
	assert.Equal(t, uint16(0), *cand.SDPMLineIndex)
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base, want string
	}{
		{"https://support.example.com", "wss://support.example.com/api/ws/signal?token=t+1"},
		{"http://localhost:8080/help#top", "ws://localhost:8080/api/ws/signal?token=t+1"},
	}
	for _, tc := range cases {
		got, err := Endpoint(tc.base, DefaultPath, "t 1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := Endpoint("not a url", DefaultPath, "")
	assert.Error(t, err)
}

func TestDialUsesEndpoint(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{clock: mock, succeed: true}
	c := newTestClient(t, d, &recorder{}, nil)
	require.NoError(t, c.Connect())
	assert.Equal(t, []string{"wss://support.example.com/api/ws/signal?token=tok"}, d.urls)
}
