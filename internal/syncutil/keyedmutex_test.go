package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusivePerKey(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "bal_1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), "bal_1")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock while the first still held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock after release")
	}
}

func TestLockAbortsOnCancelledContext(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "bal_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	u, err := m.Lock(ctx, "bal_1")
	assert.Nil(t, u)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockSerializesCounterUpdates(t *testing.T) {
	m := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "bal_hot")
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
