package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	c := New[string](time.Minute)
	p := c.Add("a")

	require.True(t, c.Resolve("a", "hello"))
	v, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestDoubleSettle(t *testing.T) {
	c := New[int](time.Minute)
	p := c.Add("a")

	require.True(t, c.Resolve("a", 1))
	assert.False(t, c.Resolve("a", 2), "second resolve must report failure")
	assert.False(t, c.Reject("a", errors.New("late")), "reject after resolve must report failure")

	v, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v, "first settlement wins")
}

func TestRejectUnknownID(t *testing.T) {
	c := New[int](time.Minute)
	assert.False(t, c.Resolve("nope", 1))
	assert.False(t, c.Reject("nope", errors.New("x")))
	assert.False(t, c.Remove("nope"))
}

func TestReject(t *testing.T) {
	c := New[int](time.Minute)
	p := c.Add("a")
	boom := errors.New("boom")
	require.True(t, c.Reject("a", boom))
	_, err := p.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTimeout(t *testing.T) {
	c := New[int](20 * time.Millisecond)
	p := c.Add("a")

	_, err := p.Await(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, c.Len(), "timed-out entry must be removed")
	assert.False(t, c.Resolve("a", 1), "resolve after timeout must report failure")
}

func TestRemoveWithoutSettle(t *testing.T) {
	c := New[int](time.Minute)
	p := c.Add("a")
	require.True(t, c.Remove("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "removed entry never settles")
}

func TestAwaitContextCancel(t *testing.T) {
	c := New[int](time.Minute)
	p := c.Add("a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentIndependentEntries(t *testing.T) {
	c := New[int](time.Minute)
	p1 := c.Add("a")
	p2 := c.Add("b")

	// Settle in reverse order of registration.
	require.True(t, c.Resolve("b", 2))
	require.True(t, c.Resolve("a", 1))

	v1, err := p1.Await(context.Background())
	require.NoError(t, err)
	v2, err := p2.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}
