package discord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_windowFills(t *testing.T) {
	now := time.Now()
	l := newLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _, blocked := l.reserve()
		assert.True(t, ok, "send %d should be allowed", i)
		assert.False(t, blocked)
		l.record()
	}

	ok, until, blocked := l.reserve()
	assert.False(t, ok)
	assert.False(t, blocked)
	assert.Equal(t, now.Add(time.Minute), until)
}

func TestLimiter_windowSlides(t *testing.T) {
	now := time.Now()
	l := newLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	l.record()
	now = now.Add(30 * time.Second)
	l.record()

	ok, _, _ := l.reserve()
	assert.False(t, ok)

	// The first send leaves the window, freeing one slot.
	now = now.Add(31 * time.Second)
	ok, _, _ = l.reserve()
	assert.True(t, ok)
}

func TestLimiter_block(t *testing.T) {
	now := time.Now()
	l := newLimiter(10, time.Minute)
	l.now = func() time.Time { return now }

	blockedUntil := now.Add(2 * time.Second)
	l.block(blockedUntil)

	ok, until, blocked := l.reserve()
	assert.False(t, ok)
	assert.True(t, blocked)
	assert.Equal(t, blockedUntil, until)

	// A shorter block never truncates an existing one.
	l.block(now.Add(time.Second))
	_, until, _ = l.reserve()
	assert.Equal(t, blockedUntil, until)

	now = now.Add(3 * time.Second)
	ok, _, blocked = l.reserve()
	assert.True(t, ok)
	assert.False(t, blocked)
}
