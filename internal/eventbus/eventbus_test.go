package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAfterStartRejected(t *testing.T) {
	b := New[int](Block, 4)
	b.Start()
	_, err := b.Subscribe()
	require.ErrorIs(t, err, ErrAlreadyBuilt)
}

func TestBlockPolicyDeliversEveryEvent(t *testing.T) {
	b := New[int](Block, 4)
	ch, err := b.Subscribe()
	require.NoError(t, err)
	b.Start()

	go func() {
		for i := 0; i < 4; i++ {
			b.Publish(i)
		}
	}()

	var got []int
	for i := 0; i < 4; i++ {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestDropOldestPolicyNeverBlocksPublisher(t *testing.T) {
	b := New[int](DropOldest, 1)
	ch, err := b.Subscribe()
	require.NoError(t, err)
	b.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked under drop-oldest policy")
	}

	select {
	case v := <-ch:
		assert.GreaterOrEqual(t, v, 0)
	default:
		t.Fatal("expected at least one buffered event to survive")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New[string](Block, 2)
	chA, err := b.Subscribe()
	require.NoError(t, err)
	chB, err := b.Subscribe()
	require.NoError(t, err)
	b.Start()

	go b.Publish("hello")

	assert.Equal(t, "hello", <-chA)
	assert.Equal(t, "hello", <-chB)
}
