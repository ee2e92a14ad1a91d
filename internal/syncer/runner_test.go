// internal/syncer/runner_test.go
package syncer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-pulse/internal/database"
	"repo-pulse/internal/database/dbtest"
	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/lock"
	"repo-pulse/internal/metrics"
	"repo-pulse/internal/model"
	"repo-pulse/internal/scm"
)

type fakeDecrypter struct {
	err error
}

func (d fakeDecrypter) Decrypt(token string) (string, error) {
	if d.err != nil {
		return "", &custom_errors.SecretError{Err: d.err}
	}
	return "plain-" + token, nil
}

type runnerFixture struct {
	db       *dbtest.Fake
	locks    *lock.Registry
	provider *fakeProvider
	runner   *Runner
	tokens   []string
	builds   int32
}

func newRunnerFixture(t *testing.T, decryptErr error) *runnerFixture {
	f := &runnerFixture{
		db:       dbtest.New(),
		locks:    lock.NewRegistry(),
		provider: newFakeProvider(2),
	}
	factory := func(conn model.Connection, token string) (scm.Provider, error) {
		atomic.AddInt32(&f.builds, 1)
		f.tokens = append(f.tokens, token)
		return f.provider, nil
	}
	opts := DefaultOptions()
	opts.PageSize = 2
	opts.CommitWindow = 50 * 365 * 24 * time.Hour
	f.runner = NewRunner(f.db, f.db, f.locks, fakeDecrypter{err: decryptErr}, factory, metrics.NewSync(prometheus.NewRegistry()), testLogger, opts)
	return f
}

func (f *runnerFixture) addConnection(t *testing.T, provider string) uuid.UUID {
	conn, err := f.db.CreateConnection(context.Background(), database.CreateConnectionParams{
		Provider:       provider,
		ExternalLogin:  "octocat",
		AccessTokenEnc: "enc",
	})
	require.NoError(t, err)
	return conn.ID
}

func TestRunner_SyncConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("syncs a github connection", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := f.addConnection(t, ProviderGitHub)

		status, err := f.runner.SyncConnection(ctx, id)

		require.NoError(t, err)
		assert.Equal(t, model.StatusOK, status)
		assert.Equal(t, []string{"plain-enc"}, f.tokens)

		conn, _ := f.db.Connection(id)
		assert.Equal(t, model.StatusOK, conn.LastSyncStatus)
		assert.Empty(t, conn.LastSyncError)
		assert.NotNil(t, conn.LastSyncAt)

		projects := f.db.Projects()
		require.Len(t, projects, 1)
		require.NotNil(t, projects[0].ConnectionID)
		assert.Equal(t, id, *projects[0].ConnectionID)
		assert.Equal(t, 2, f.db.CommitCount())
	})

	t.Run("skips when a sync is already running", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := f.addConnection(t, ProviderGitHub)
		release, ok := f.locks.TryAcquire(id)
		require.True(t, ok)
		defer release()

		status, err := f.runner.SyncConnection(ctx, id)

		require.NoError(t, err)
		assert.Equal(t, model.StatusAlreadyRunning, status)
		assert.Equal(t, int32(0), atomic.LoadInt32(&f.builds))
		conn, _ := f.db.Connection(id)
		assert.Empty(t, conn.LastSyncStatus, "status is not touched")
	})

	t.Run("marks unsupported providers skipped", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := f.addConnection(t, "gitlab")

		status, err := f.runner.SyncConnection(ctx, id)

		require.NoError(t, err)
		assert.Equal(t, model.StatusSkipped, status)
		conn, _ := f.db.Connection(id)
		assert.Equal(t, model.StatusSkipped, conn.LastSyncStatus)
		assert.Equal(t, "Unsupported provider: gitlab", conn.LastSyncError)
		assert.Equal(t, int32(0), atomic.LoadInt32(&f.builds))
	})

	t.Run("records decrypt failures", func(t *testing.T) {
		f := newRunnerFixture(t, errors.New("bad key"))
		id := f.addConnection(t, ProviderGitHub)

		status, err := f.runner.SyncConnection(ctx, id)

		var secretErr *custom_errors.SecretError
		assert.ErrorAs(t, err, &secretErr)
		assert.Equal(t, model.StatusError, status)
		conn, _ := f.db.Connection(id)
		assert.Equal(t, model.StatusError, conn.LastSyncStatus)
		assert.Contains(t, conn.LastSyncError, "unable to decrypt access token")
	})

	t.Run("truncates long sync errors", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		f.provider.projectsErr = errors.New(strings.Repeat("x", 3000))
		id := f.addConnection(t, ProviderGitHub)

		status, err := f.runner.SyncConnection(ctx, id)

		assert.Error(t, err)
		assert.Equal(t, model.StatusError, status)
		conn, _ := f.db.Connection(id)
		assert.Len(t, conn.LastSyncError, 2000)
	})

	t.Run("returns not found for unknown connections", func(t *testing.T) {
		f := newRunnerFixture(t, nil)

		_, err := f.runner.SyncConnection(ctx, uuid.New())

		assert.ErrorIs(t, err, custom_errors.ErrConnectionNotFound)
	})
}

func TestRunner_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("queues and runs in the background", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := f.addConnection(t, ProviderGitHub)

		status, err := f.runner.Enqueue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, status)

		f.runner.Wait()
		conn, _ := f.db.Connection(id)
		assert.Equal(t, model.StatusOK, conn.LastSyncStatus)
		assert.False(t, f.locks.Held(id), "lock is released after the run")
	})

	t.Run("reports already running", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := f.addConnection(t, ProviderGitHub)
		release, ok := f.locks.TryAcquire(id)
		require.True(t, ok)
		defer release()

		status, err := f.runner.Enqueue(ctx, id)

		require.NoError(t, err)
		assert.Equal(t, model.StatusAlreadyRunning, status)
	})

	t.Run("rejects unknown connections and frees the lock", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		id := uuid.New()

		_, err := f.runner.Enqueue(ctx, id)

		assert.ErrorIs(t, err, custom_errors.ErrConnectionNotFound)
		assert.False(t, f.locks.Held(id))
	})
}

func TestBatch_RunOnce(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*runnerFixture, *miniredis.Miniredis, *Batch) {
		f := newRunnerFixture(t, nil)
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		dl := lock.NewDistributed(rdb, lock.BatchSyncKey, 10*time.Minute)
		return f, mr, NewBatch(dl, f.db, f.runner, nil, testLogger)
	}

	t.Run("syncs every connection and releases the lock", func(t *testing.T) {
		f, mr, batch := setup(t)
		a := f.addConnection(t, ProviderGitHub)
		b := f.addConnection(t, "gitlab")

		ran, err := batch.RunOnce(ctx)

		require.NoError(t, err)
		assert.True(t, ran)
		connA, _ := f.db.Connection(a)
		connB, _ := f.db.Connection(b)
		assert.Equal(t, model.StatusOK, connA.LastSyncStatus)
		assert.Equal(t, model.StatusSkipped, connB.LastSyncStatus)
		assert.False(t, mr.Exists(lock.BatchSyncKey))
	})

	t.Run("does nothing while another replica holds the lock", func(t *testing.T) {
		f, mr, batch := setup(t)
		id := f.addConnection(t, ProviderGitHub)
		require.NoError(t, mr.Set(lock.BatchSyncKey, "other-replica"))

		ran, err := batch.RunOnce(ctx)

		require.NoError(t, err)
		assert.False(t, ran)
		conn, _ := f.db.Connection(id)
		assert.Empty(t, conn.LastSyncStatus)
		got, _ := mr.Get(lock.BatchSyncKey)
		assert.Equal(t, "other-replica", got)
	})

	t.Run("skips the pass when redis is unreachable", func(t *testing.T) {
		f, mr, _ := setup(t)
		id := f.addConnection(t, ProviderGitHub)
		reg := prometheus.NewRegistry()
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		batch := NewBatch(lock.NewDistributed(rdb, lock.BatchSyncKey, time.Minute), f.db, f.runner, metrics.NewSync(reg), testLogger)
		mr.Close()

		ran, err := batch.RunOnce(ctx)

		require.NoError(t, err)
		assert.False(t, ran)
		conn, _ := f.db.Connection(id)
		assert.Empty(t, conn.LastSyncStatus)
		count, err := testutil.GatherAndCount(reg, "repo_pulse_sync_lock_skips_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("continues past failing connections", func(t *testing.T) {
		f, _, batch := setup(t)
		f.provider.projectsErr = errors.New("boom")
		a := f.addConnection(t, ProviderGitHub)
		b := f.addConnection(t, ProviderGitHub)

		ran, err := batch.RunOnce(ctx)

		require.NoError(t, err)
		assert.True(t, ran)
		connA, _ := f.db.Connection(a)
		connB, _ := f.db.Connection(b)
		assert.Equal(t, model.StatusError, connA.LastSyncStatus)
		assert.Equal(t, model.StatusError, connB.LastSyncStatus)
	})
}

func TestState(t *testing.T) {
	s := NewState()
	s.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	assert.False(t, s.Snapshot().InProgress)

	s.Start("initial-sync")
	snap := s.Snapshot()
	assert.True(t, snap.InProgress)
	assert.Equal(t, "initial-sync", snap.Phase)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 0.0, *snap.Progress)

	s.SetProgress(150)
	assert.Equal(t, 100.0, *s.Snapshot().Progress)

	s.Complete(errors.New("upstream down"))
	snap = s.Snapshot()
	assert.False(t, snap.InProgress)
	assert.Equal(t, PhaseError, snap.Phase)
	assert.Nil(t, snap.Progress)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "upstream down", *snap.LastError)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.FinishedAt)

	s.SetProgress(50)
	assert.Nil(t, s.Snapshot().Progress, "progress is ignored when idle")
}
