package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/callbridge/internal/core"
)

func TestConnRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewConnRateLimiter(3, time.Second)
	rl.now = func() time.Time { return now }

	for range 3 {
		assert.True(t, rl.Allow("a"))
	}
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per connection")

	now = now.Add(500 * time.Millisecond)
	assert.False(t, rl.Allow("a"))

	now = now.Add(501 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
}

func TestConnRateLimiterForget(t *testing.T) {
	rl := NewConnRateLimiter(1, time.Hour)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}

func TestConnRateLimiterDisabled(t *testing.T) {
	rl := NewConnRateLimiter(0, time.Second)
	for range 100 {
		assert.True(t, rl.Allow("a"))
	}

	var none *ConnRateLimiter
	assert.True(t, none.Allow("a"))
	none.Forget("a")
}

func TestWsSignalConnBackpressureAndClose(t *testing.T) {
	c := newWsSignalConn(nil, 1)

	assert.NoError(t, c.TrySend(core.Frame(`{}`)))
	assert.ErrorIs(t, c.TrySend(core.Frame(`{}`)), core.ErrBackpressure)

	c.Close(core.ClosePolicyViolation, "send buffer full")
	c.Close(core.CloseNormal, "")
	assert.ErrorIs(t, c.TrySend(core.Frame(`{}`)), core.ErrClosed)

	// queued frames stay readable until the channel drains
	f, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, core.Frame(`{}`), f)
	_, ok = <-c.send
	assert.False(t, ok)

	assert.Equal(t, core.ClosePolicyViolation, c.closeCode)
	assert.Equal(t, "send buffer full", c.closeReason)
}
