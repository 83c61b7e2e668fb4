package ephemeral

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmail(id string) *EphemeralEmail {
	return NewEphemeralEmail(id, "bob1234@shield.tld", "alice@ex.com", "Lunch?", "Want to grab lunch?", "", nil, time.Now(), 5*time.Minute)
}

func TestPutGet(t *testing.T) {
	s := NewStore(10)
	email := newTestEmail("msg-1")

	require.NoError(t, s.Put(email))

	got, err := s.Get("msg-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", got.MessageID)
	assert.Equal(t, Pending, got.State)
}

func TestGetNotFound(t *testing.T) {
	s := NewStore(10)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsDuplicate(t *testing.T) {
	s := NewStore(10)
	email := newTestEmail("msg-1")
	require.NoError(t, s.Put(email))

	err := s.Put(newTestEmail("msg-1"))
	assert.ErrorIs(t, err, ErrRejectedDuplicate)
}

func TestPutRejectsCapacity(t *testing.T) {
	s := NewStore(2)
	require.NoError(t, s.Put(newTestEmail("msg-1")))
	require.NoError(t, s.Put(newTestEmail("msg-2")))

	err := s.Put(newTestEmail("msg-3"))
	assert.ErrorIs(t, err, ErrRejectedCapacity)
	assert.Equal(t, 2, s.Size())
}

func TestConcurrentPutsUpToCapacityAllSucceedOneFails(t *testing.T) {
	capacity := 50
	s := NewStore(capacity)

	var wg sync.WaitGroup
	results := make(chan error, capacity+1)

	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		id := fmt.Sprintf("msg-%d", i)
		go func(id string) {
			defer wg.Done()
			results <- s.Put(newTestEmail(id))
		}(id)
	}
	wg.Wait()
	close(results)

	successes, failures := 0, 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrRejectedCapacity)
			failures++
		}
	}

	assert.Equal(t, capacity, successes)
	assert.Equal(t, 1, failures)
	assert.Equal(t, capacity, s.Size())
	assert.LessOrEqual(t, s.Size(), s.Capacity())
}

func TestClaimIsExclusive(t *testing.T) {
	s := NewStore(10)
	require.NoError(t, s.Put(newTestEmail("msg-1")))

	var wg sync.WaitGroup
	successes := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim("msg-1")
			successes <- err
		}()
	}
	wg.Wait()
	close(successes)

	okCount := 0
	for err := range successes {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, okCount, "exactly one worker should hold the claim")
}

func TestClaimNotFound(t *testing.T) {
	s := NewStore(10)
	_, err := s.Claim("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStateValidTransition(t *testing.T) {
	s := NewStore(10)
	require.NoError(t, s.Put(newTestEmail("msg-1")))
	_, err := s.Claim("msg-1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateState("msg-1", Delivering))
	require.NoError(t, s.UpdateState("msg-1", Completed))

	got, err := s.Get("msg-1")
	require.NoError(t, err)
	assert.Equal(t, Completed, got.State)
}

func TestUpdateStateInvalidTransition(t *testing.T) {
	s := NewStore(10)
	require.NoError(t, s.Put(newTestEmail("msg-1")))

	err := s.UpdateState("msg-1", Completed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEvict(t *testing.T) {
	s := NewStore(10)
	require.NoError(t, s.Put(newTestEmail("msg-1")))
	require.NoError(t, s.Evict("msg-1"))

	_, err := s.Get("msg-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Evict("msg-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictExpiredRemovesOnlyExpired(t *testing.T) {
	s := NewStore(10)
	now := time.Now()

	fresh := NewEphemeralEmail("fresh", "a@shield.tld", "x@y.com", "s", "b", "", nil, now, 5*time.Minute)
	stale := NewEphemeralEmail("stale", "a@shield.tld", "x@y.com", "s", "b", "", nil, now.Add(-10*time.Minute), 5*time.Minute)

	require.NoError(t, s.Put(fresh))
	require.NoError(t, s.Put(stale))

	count := s.EvictExpired(now, 100, 60*time.Second)
	assert.Equal(t, 1, count)

	_, err := s.Get("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("fresh")
	assert.NoError(t, err)
}

func TestEvictExpiredDefersAnalyzingUntilGraceElapsed(t *testing.T) {
	s := NewStore(10)
	now := time.Now()

	hung := NewEphemeralEmail("hung", "a@shield.tld", "x@y.com", "s", "b", "", nil, now.Add(-10*time.Minute), 5*time.Minute)
	require.NoError(t, s.Put(hung))
	_, err := s.Claim("hung")
	require.NoError(t, err)

	// TTL has elapsed but grace has not: the worker may still be running.
	count := s.EvictExpired(now, 100, 10*time.Minute)
	assert.Equal(t, 0, count)

	// Past ttl+grace: treat as hung and reap regardless of state.
	count = s.EvictExpired(now.Add(11*time.Minute), 100, 10*time.Minute)
	assert.Equal(t, 1, count)
}

func TestEvictExpiredRespectsMaxBatch(t *testing.T) {
	s := NewStore(10)
	now := time.Now()
	past := now.Add(-10 * time.Minute)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("msg-%d", i)
		require.NoError(t, s.Put(NewEphemeralEmail(id, "a@shield.tld", "x@y.com", "s", "b", "", nil, past, 5*time.Minute)))
	}

	count := s.EvictExpired(now, 2, 60*time.Second)
	assert.Equal(t, 2, count)
	assert.Equal(t, 3, s.Size())
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	s := NewStore(5)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		id := fmt.Sprintf("msg-%d", i)
		go func(id string) {
			defer wg.Done()
			_ = s.Put(newTestEmail(id))
		}(id)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Size(), s.Capacity())
}
