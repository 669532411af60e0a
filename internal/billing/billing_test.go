package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

type countingCreator struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingCreator) CreateCustomer(_ context.Context, ownerID string) (string, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	if c.err != nil {
		return "", c.err
	}
	return "cus_" + ownerID, nil
}

func TestResolveCreatesOnce(t *testing.T) {
	t.Parallel()

	creator := &countingCreator{delay: 20 * time.Millisecond}
	d := NewDirectory(NewMemory(), creator, time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Go(func() {
			id, err := d.Resolve(context.Background(), "u1")
			assert.NoError(t, err)
			ids[i] = id
		})
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "cus_u1", id)
	}
	assert.Equal(t, int32(1), creator.calls.Load())

	id, err := d.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_u1", id)
}

func TestResolveKeepsStoredID(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	_, err := store.PutCustomerID(context.Background(), "u1", "cus_existing")
	require.NoError(t, err)

	creator := &countingCreator{}
	d := NewDirectory(store, creator, time.Second, zerolog.Nop())

	id, err := d.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.Zero(t, creator.calls.Load())
}

func TestResolvePropagatesCreateError(t *testing.T) {
	t.Parallel()

	creator := &countingCreator{err: apperr.ErrGatewayUnavailable}
	d := NewDirectory(NewMemory(), creator, time.Second, zerolog.Nop())

	_, err := d.Resolve(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)

	_, err = NewMemory().CustomerID(context.Background(), "u1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

// blockingCreator holds the creation until released and fails if its
// context was cancelled meanwhile.
type blockingCreator struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *blockingCreator) CreateCustomer(ctx context.Context, ownerID string) (string, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}
	<-c.release
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "cus_" + ownerID, nil
}

func TestResolveSurvivesCancelledLeader(t *testing.T) {
	t.Parallel()

	creator := &blockingCreator{started: make(chan struct{}), release: make(chan struct{})}
	store := NewMemory()
	d := NewDirectory(store, creator, time.Second, zerolog.Nop())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := d.Resolve(leaderCtx, "u1")
		leaderErr <- err
	}()
	<-creator.started

	followerID := make(chan string, 1)
	go func() {
		id, err := d.Resolve(context.Background(), "u1")
		assert.NoError(t, err)
		followerID <- id
	}()

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(creator.release)
	select {
	case id := <-followerID:
		assert.Equal(t, "cus_u1", id)
	case <-time.After(time.Second):
		t.Fatal("follower did not resolve")
	}

	id, err := store.CustomerID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_u1", id)
}
