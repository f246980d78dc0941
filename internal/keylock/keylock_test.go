package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocks_SerializesSameKey(t *testing.T) {
	locks := New()

	unlock := locks.Lock("user1")
	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("user1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key is not blocked
	otherUnlock := locks.Lock("user2")
	otherUnlock()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestLocks_ReleasesEntries(t *testing.T) {
	locks := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("dep1")
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, locks.Len())
}
