//go:build integration

package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"PacedSend/internal/db"
	"PacedSend/internal/models"
)

// setupPostgres starts a Postgres container, connects a Store and applies
// the migrations.
func setupPostgres(t *testing.T) *db.Store {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("pacedsend_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := db.New(ctx, conn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx, zap.NewNop()))
	// A second run finds nothing to apply.
	require.NoError(t, store.Migrate(ctx, zap.NewNop()))

	return store
}

func createSender(t *testing.T, store *db.Store, addr string) *models.Sender {
	t.Helper()

	sender := &models.Sender{Email: addr, Name: "News", HourlyLimit: 50, DelaySeconds: 2, IsActive: true}
	require.NoError(t, store.CreateSender(context.Background(), sender))
	return sender
}

func createJob(t *testing.T, store *db.Store, sender *models.Sender, at time.Time) *models.EmailJob {
	t.Helper()

	job := &models.EmailJob{SenderID: sender.ID, Recipient: "a@example.com", Subject: "Hi", ScheduledAt: at}
	require.NoError(t, store.CreateBatch(context.Background(), []*models.EmailJob{job}))
	return job
}

func TestPostgresStore(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create batch applies defaults", func(t *testing.T) {
		sender := createSender(t, store, "batch@example.com")

		jobs := []*models.EmailJob{
			{SenderID: sender.ID, Recipient: "a@example.com", Subject: "s", ScheduledAt: at},
			{SenderID: sender.ID, Recipient: "b@example.com", Subject: "s", ScheduledAt: at.Add(2 * time.Second)},
		}
		require.NoError(t, store.CreateBatch(ctx, jobs))

		for _, job := range jobs {
			got, err := store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusScheduled, got.Status)
			assert.Zero(t, got.RetryCount)
			assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
			assert.True(t, job.ScheduledAt.Equal(got.ScheduledAt))
			assert.False(t, got.CreatedAt.IsZero())
		}

		listed, err := store.ListJobs(ctx, models.JobFilter{SenderID: sender.ID, Limit: 1})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "a@example.com", listed[0].Recipient)
	})

	t.Run("create batch is all or nothing", func(t *testing.T) {
		sender := createSender(t, store, "atomic@example.com")

		jobs := []*models.EmailJob{
			{SenderID: sender.ID, Recipient: "a@example.com", Subject: "s", ScheduledAt: at},
			{SenderID: "missing", Recipient: "b@example.com", Subject: "s", ScheduledAt: at},
		}
		require.Error(t, store.CreateBatch(ctx, jobs))

		listed, err := store.ListJobs(ctx, models.JobFilter{SenderID: sender.ID})
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("failures reach FAILED at max retries", func(t *testing.T) {
		sender := createSender(t, store, "retries@example.com")
		job := createJob(t, store, sender, at)

		for i := 1; i < models.DefaultMaxRetries; i++ {
			got, err := store.RecordFailure(ctx, job.ID, "smtp: connection refused")
			require.NoError(t, err)
			assert.Equal(t, i, got.RetryCount)
			assert.Equal(t, models.StatusScheduled, got.Status)
		}

		got, err := store.RecordFailure(ctx, job.ID, "smtp: timeout")
		require.NoError(t, err)
		assert.Equal(t, models.DefaultMaxRetries, got.RetryCount)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "smtp: timeout", *got.Error)

		_, err = store.RecordFailure(ctx, job.ID, "again")
		assert.ErrorIs(t, err, models.ErrTerminal)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultMaxRetries, stored.RetryCount)
	})

	t.Run("terminal jobs reject transitions", func(t *testing.T) {
		sender := createSender(t, store, "terminal@example.com")
		job := createJob(t, store, sender, at)

		sentAt := at.Add(time.Minute)
		require.NoError(t, store.MarkSent(ctx, job.ID, sentAt))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.True(t, sentAt.Equal(*got.SentAt))
		assert.Nil(t, got.Error)

		assert.ErrorIs(t, store.MarkSent(ctx, job.ID, sentAt), models.ErrTerminal)
		assert.ErrorIs(t, store.Reschedule(ctx, job.ID, at.Add(time.Hour)), models.ErrTerminal)
		_, err = store.MarkFailed(ctx, job.ID, models.CancelReason)
		assert.ErrorIs(t, err, models.ErrTerminal)
		_, err = store.RecordFailure(ctx, job.ID, "late")
		assert.ErrorIs(t, err, models.ErrTerminal)

		got, err = store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, got.Status)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("missing jobs are not found", func(t *testing.T) {
		_, err := store.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrJobNotFound)
		assert.ErrorIs(t, store.MarkSent(ctx, "missing", at), models.ErrJobNotFound)
		assert.ErrorIs(t, store.Reschedule(ctx, "missing", at), models.ErrJobNotFound)
		_, err = store.RecordFailure(ctx, "missing", "x")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("reschedule and cancel keep retry count", func(t *testing.T) {
		sender := createSender(t, store, "cancel@example.com")
		job := createJob(t, store, sender, at)

		later := at.Add(time.Hour)
		require.NoError(t, store.Reschedule(ctx, job.ID, later))
		_, err := store.RecordFailure(ctx, job.ID, "smtp: connection refused")
		require.NoError(t, err)

		got, err := store.MarkFailed(ctx, job.ID, models.CancelReason)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.True(t, later.Equal(got.ScheduledAt))
		assert.Equal(t, models.CancelReason, *got.Error)

		scheduled, err := store.ListScheduled(ctx)
		require.NoError(t, err)
		for _, j := range scheduled {
			assert.NotEqual(t, job.ID, j.ID)
		}
	})

	t.Run("count by status", func(t *testing.T) {
		sender := createSender(t, store, "stats@example.com")
		first := createJob(t, store, sender, at)
		createJob(t, store, sender, at)
		require.NoError(t, store.MarkSent(ctx, first.ID, at))

		counts, err := store.CountByStatus(ctx, sender.ID, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, map[models.EmailStatus]int{models.StatusSent: 1, models.StatusScheduled: 1}, counts)

		recent, err := store.CountByStatus(ctx, sender.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, recent)
	})

	t.Run("senders", func(t *testing.T) {
		sender := createSender(t, store, "ops@example.com")

		require.NoError(t, store.UpdateSenderLimits(ctx, sender.ID, 20, 5))
		require.NoError(t, store.SetSenderActive(ctx, sender.ID, false))

		got, err := store.GetSender(ctx, sender.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, got.HourlyLimit)
		assert.Equal(t, 5, got.DelaySeconds)
		assert.False(t, got.IsActive)

		_, err = store.GetSender(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrSenderNotFound)
		assert.ErrorIs(t, store.UpdateSenderLimits(ctx, "missing", 1, 1), models.ErrSenderNotFound)
		assert.ErrorIs(t, store.SetSenderActive(ctx, "missing", true), models.ErrSenderNotFound)
	})
}
