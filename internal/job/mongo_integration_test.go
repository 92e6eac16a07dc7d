package job

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newMongoTestStore connects to the MongoDB instance named by
// MEDIAFORGE_TEST_MONGO_URI, using a unique throwaway database per test.
// Skips when the variable is unset so the suite stays runnable offline.
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MEDIAFORGE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MEDIAFORGE_TEST_MONGO_URI not set, skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, uri, fmt.Sprintf("mediaforge_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store.Close(ctx) //nolint:errcheck
	})
	return store
}

func TestMongoStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMongoTestStore(t)

	j := New(&CreateRequest{Type: "text_transform", Parameters: map[string]any{"text": "hi"}})
	require.NoError(t, store.Enqueue(ctx, j))

	claimed, err := store.ClaimNextPending(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, j.ID, claimed.ID)
	require.Equal(t, StatusProcessing, claimed.Status)

	// Nothing else is claimable while the only job is processing.
	second, err := store.ClaimNextPending(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, store.CompleteJob(ctx, j.ID, map[string]any{"text": "HI"}))

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "HI", got.Results["text"])
	require.Nil(t, got.Error)
}

func TestMongoStore_BatchCounters(t *testing.T) {
	ctx := context.Background()
	store := newMongoTestStore(t)

	b, jobs := NewBatch(&BatchCreateRequest{
		Name: "imports",
		Jobs: []CreateRequest{{Type: "a"}, {Type: "a"}, {Type: "a"}},
	})
	require.NoError(t, store.EnqueueBatch(ctx, b, jobs))

	for range jobs {
		claimed, err := store.ClaimNextPending(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	require.NoError(t, store.CompleteJob(ctx, jobs[0].ID, nil))
	require.NoError(t, store.CompleteJob(ctx, jobs[1].ID, nil))
	require.NoError(t, store.FailJob(ctx, jobs[2].ID, &Error{Code: CodeHandlerError, Message: "boom"}))

	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CompletedJobs)
	require.Equal(t, 1, got.FailedJobs)
	require.Equal(t, 0, got.PendingJobs)
	require.Equal(t, 0, got.ProcessingJobs)
	require.Equal(t, BatchCompleted, got.Status)
	require.True(t, got.CountersConsistent())
}

func TestMongoStore_ConcurrentBatchFinish(t *testing.T) {
	ctx := context.Background()
	store := newMongoTestStore(t)

	const members = 16
	reqs := make([]CreateRequest, members)
	for i := range reqs {
		reqs[i] = CreateRequest{Type: "a"}
	}
	b, jobs := NewBatch(&BatchCreateRequest{Name: "parallel", Jobs: reqs})
	require.NoError(t, store.EnqueueBatch(ctx, b, jobs))

	claimed := make([]*Job, 0, members)
	for range jobs {
		j, err := store.ClaimNextPending(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, j)
		claimed = append(claimed, j)
	}

	// Finish every member at once. The terminal counter update and the
	// status derivation must be atomic per finisher, or a slow finisher's
	// stale "processing" derivation can land last and stick forever.
	var wg sync.WaitGroup
	errCh := make(chan error, members)
	for i, j := range claimed {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if i%2 == 0 {
				errCh <- store.CompleteJob(ctx, id, nil)
			} else {
				errCh <- store.FailJob(ctx, id, &Error{Code: CodeHandlerError, Message: "boom"})
			}
		}(i, j.ID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, members, got.CompletedJobs+got.FailedJobs)
	require.Equal(t, 0, got.PendingJobs)
	require.Equal(t, 0, got.ProcessingJobs)
	require.True(t, got.CountersConsistent())
	require.Equal(t, BatchCompleted, got.Status)
}

func TestMongoStore_Restart(t *testing.T) {
	ctx := context.Background()
	store := newMongoTestStore(t)

	j := New(&CreateRequest{Type: "a"})
	require.NoError(t, store.Enqueue(ctx, j))

	_, err := store.RestartJob(ctx, j.ID)
	require.ErrorIs(t, err, ErrNotTerminal)

	claimed, err := store.ClaimNextPending(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.FailJob(ctx, j.ID, &Error{Code: CodeHandlerError, Message: "boom"}))

	restarted, err := store.RestartJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, restarted.Status)
	require.Nil(t, restarted.Error)

	_, err = store.RestartJob(ctx, "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}
