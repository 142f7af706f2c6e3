package oracle_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"promptrelay/internal/oracle"
	"promptrelay/internal/storage"
	"promptrelay/internal/storage/sqlite"
	"promptrelay/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const ownerKey = "owner-secret"

func newTestOracle(t *testing.T) (*oracle.Oracle, storage.Store) {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	o := oracle.New(store, zap.NewNop(), oracle.Config{
		OwnerKey:            ownerKey,
		DeliveriesPerSecond: 1000,
	})
	return o, store
}

type stubRequester struct {
	name string
	fn   func(ctx context.Context, tx storage.Store, d oracle.Delivery) error

	deliveries []oracle.Delivery
}

func (s *stubRequester) Name() string { return s.name }

func (s *stubRequester) OnResponse(ctx context.Context, tx storage.Store, d oracle.Delivery) error {
	s.deliveries = append(s.deliveries, d)
	if s.fn != nil {
		return s.fn(ctx, tx, d)
	}
	return nil
}

func authorize(t *testing.T, o *oracle.Oracle, principal string) {
	t.Helper()
	require.NoError(t, o.Authorize(context.Background(), ownerKey, principal))
}

func TestPromptIdsMonotonic(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()

	for want := int64(0); want < 5; want++ {
		id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestDeliverOnce(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
	require.NoError(t, err)

	resp := types.Response{Content: "world"}
	require.NoError(t, o.Deliver(ctx, "responder", id, resp))

	prompt, err := o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.True(t, prompt.Processed)
	require.NotNil(t, prompt.Response)
	assert.Equal(t, "world", prompt.Response.Content)

	// A second delivery, identical or not, is rejected
	err = o.Deliver(ctx, "responder", id, resp)
	assert.ErrorIs(t, err, oracle.ErrAlreadyProcessed)
	err = o.Deliver(ctx, "responder", id, types.Response{Content: "other"})
	assert.ErrorIs(t, err, oracle.ErrAlreadyProcessed)

	// The stored response is untouched
	prompt, err = o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "world", prompt.Response.Content)
}

func TestConcurrentSubmitsUniqueIds(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()

	const n = 32
	ids := make(chan int64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "prompt id %d issued twice", id)
		assert.GreaterOrEqual(t, id, int64(0))
		assert.Less(t, id, int64(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentDeliverExactlyOnce(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
	require.NoError(t, err)

	const n = 16
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Deliver(ctx, "responder", id, types.Response{Content: "world"})
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, oracle.ErrAlreadyProcessed)
	}
	assert.Equal(t, 1, succeeded, "exactly one delivery must win")

	prompt, err := o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.True(t, prompt.Processed)
}

func TestDeliverUnauthorized(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
	require.NoError(t, err)

	err = o.Deliver(ctx, "stranger", id, types.Response{Content: "world"})
	assert.ErrorIs(t, err, oracle.ErrUnauthorized)

	prompt, err := o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.False(t, prompt.Processed, "unauthorized delivery must not change the prompt")
}

func TestDeliverUnknownPrompt(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	err := o.Deliver(ctx, "responder", 42, types.Response{Content: "world"})
	assert.ErrorIs(t, err, oracle.ErrUnknownPrompt)
}

func TestRevocationTakesEffect(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	id1, err := o.Submit(ctx, oracle.SubmitRequest{Content: "one"})
	require.NoError(t, err)
	id2, err := o.Submit(ctx, oracle.SubmitRequest{Content: "two"})
	require.NoError(t, err)

	require.NoError(t, o.Deliver(ctx, "responder", id1, types.Response{Content: "ok"}))
	require.NoError(t, o.Revoke(ctx, ownerKey, "responder"))

	err = o.Deliver(ctx, "responder", id2, types.Response{Content: "late"})
	assert.ErrorIs(t, err, oracle.ErrUnauthorized)
}

func TestOwnerGating(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()

	assert.ErrorIs(t, o.Authorize(ctx, "wrong-key", "responder"), oracle.ErrNotOwner)
	assert.ErrorIs(t, o.Revoke(ctx, "wrong-key", "responder"), oracle.ErrNotOwner)
	assert.ErrorIs(t, o.AddAttestation(ctx, "wrong-key", "responder", "att"), oracle.ErrNotOwner)

	authorized, err := o.IsAuthorized(ctx, "responder")
	require.NoError(t, err)
	assert.False(t, authorized)
}

func TestCallbackRollback(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	boom := errors.New("callback exploded")
	stub := &stubRequester{name: "stub", fn: func(context.Context, storage.Store, oracle.Delivery) error {
		return boom
	}}
	o.Register(stub)

	id, err := o.Submit(ctx, oracle.SubmitRequest{Requester: "stub", CallbackID: 7, Content: "hello"})
	require.NoError(t, err)

	err = o.Deliver(ctx, "responder", id, types.Response{Content: "world"})
	assert.ErrorIs(t, err, boom)

	// The failed delivery rolled back entirely; the prompt is deliverable again
	prompt, err := o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.False(t, prompt.Processed)

	stub.fn = nil
	require.NoError(t, o.Deliver(ctx, "responder", id, types.Response{Content: "world"}))

	require.Len(t, stub.deliveries, 2)
	d := stub.deliveries[1]
	assert.Equal(t, id, d.PromptID)
	assert.Equal(t, int64(7), d.CallbackID)
	assert.Equal(t, o.Token(), d.Token)
}

func TestUnknownRequesterRollsBack(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	id, err := o.Submit(ctx, oracle.SubmitRequest{Requester: "ghost", Content: "hello"})
	require.NoError(t, err)

	err = o.Deliver(ctx, "responder", id, types.Response{Content: "world"})
	assert.ErrorIs(t, err, oracle.ErrUnknownRequester)

	prompt, err := o.GetPrompt(ctx, id)
	require.NoError(t, err)
	assert.False(t, prompt.Processed)
}

func TestEventsFeed(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	id, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, o.Deliver(ctx, "responder", id, types.Response{Content: "world"}))

	events, err := o.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, oracle.EventPromptSubmitted, events[0].Type)
	assert.Equal(t, oracle.EventPromptProcessed, events[1].Type)
	assert.Equal(t, id, events[0].PromptID)
}

func TestAttestations(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()

	latest, err := o.LatestAttestation(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, o.AddAttestation(ctx, ownerKey, "responder", "sgx-quote-1"))
	require.NoError(t, o.AddAttestation(ctx, ownerKey, "responder", "sgx-quote-2"))

	latest, err = o.LatestAttestation(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "sgx-quote-2", latest.Attestation)
}

func TestStats(t *testing.T) {
	o, _ := newTestOracle(t)
	ctx := context.Background()
	authorize(t, o, "responder")

	for i := 0; i < 3; i++ {
		_, err := o.Submit(ctx, oracle.SubmitRequest{Content: "hello"})
		require.NoError(t, err)
	}
	require.NoError(t, o.Deliver(ctx, "responder", 0, types.Response{Content: "world"}))

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPrompts)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 2, stats.Pending)
}
