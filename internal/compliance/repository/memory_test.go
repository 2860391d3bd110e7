package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/internal/compliance/repository"
	apperrors "github.com/hireflow/hireflow-backend/pkg/errors"
	"github.com/hireflow/hireflow-backend/pkg/testutil"
)

var created = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

func TestMemoryStore_RecordLifecycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	record := domain.NewComplianceRecord("subject-1", testutil.Date(2025, 1, 6), "reviewer-a", created)
	require.NoError(t, store.CreateComplianceRecord(ctx, record))

	err := store.CreateComplianceRecord(ctx, record)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	loaded, err := store.LoadComplianceRecord(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, record, loaded)

	// Returned records are copies
	loaded.Complete(domain.StageOne, created)
	again, err := store.LoadComplianceRecord(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.StageOneStatus)

	require.NoError(t, store.SaveComplianceRecord(ctx, loaded))
	again, err = store.LoadComplianceRecord(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.StageOneStatus)

	_, err = store.LoadComplianceRecord(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	missing := domain.NewComplianceRecord("missing", testutil.Date(2025, 1, 6), "", created)
	assert.True(t, apperrors.Is(store.SaveComplianceRecord(ctx, missing), apperrors.ErrNotFound))
}

func TestMemoryStore_QueryByUrgency(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	late := domain.NewComplianceRecord("b-late", testutil.Date(2025, 1, 6), "", created)
	late.UrgencyLevel = domain.UrgencyApproaching
	soon := domain.NewComplianceRecord("a-soon", testutil.Date(2025, 1, 3), "", created)
	soon.UrgencyLevel = domain.UrgencyDueToday
	done := domain.NewComplianceRecord("c-done", testutil.Date(2025, 1, 3), "", created)
	done.Complete(domain.StageOne, created)
	done.Complete(domain.StageTwo, created)
	done.UrgencyLevel = domain.UrgencyDueToday

	for _, r := range []*domain.ComplianceRecord{late, soon, done} {
		require.NoError(t, store.CreateComplianceRecord(ctx, r))
	}

	all, err := store.QueryByUrgency(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a-soon", all[0].SubjectID)
	assert.Equal(t, "b-late", all[1].SubjectID)

	dueToday, err := store.QueryByUrgency(ctx, domain.UrgencyDueToday)
	require.NoError(t, err)
	require.Len(t, dueToday, 1)
	assert.Equal(t, "a-soon", dueToday[0].SubjectID)
}

func TestMemoryStore_PendingByReviewer(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	open1 := domain.NewComplianceRecord("s1", testutil.Date(2025, 1, 6), "reviewer-a", created)
	open2 := domain.NewComplianceRecord("s2", testutil.Date(2025, 1, 6), "reviewer-a", created)
	open3 := domain.NewComplianceRecord("s3", testutil.Date(2025, 1, 6), "reviewer-b", created)
	done := domain.NewComplianceRecord("s4", testutil.Date(2025, 1, 6), "reviewer-b", created)
	done.Complete(domain.StageOne, created)
	done.Complete(domain.StageTwo, created)
	unassigned := domain.NewComplianceRecord("s5", testutil.Date(2025, 1, 6), "", created)

	for _, r := range []*domain.ComplianceRecord{open1, open2, open3, done, unassigned} {
		require.NoError(t, store.CreateComplianceRecord(ctx, r))
	}

	counts, err := store.PendingByReviewer(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"reviewer-a": 2, "reviewer-b": 1}, counts)
}

func TestMemoryStore_Sessions(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	now := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)

	sessions := []*domain.WorkflowSession{
		{ID: "expired", SubjectID: "temp-1", CreatedAt: now.AddDate(0, 0, -40), ExpiresAt: now.AddDate(0, 0, -35)},
		{ID: "expired-completed", SubjectID: "temp-2", CreatedAt: now.AddDate(0, 0, -40), ExpiresAt: now.AddDate(0, 0, -35)},
		{ID: "recent", SubjectID: "temp-3", CreatedAt: now.AddDate(0, 0, -2), ExpiresAt: now.AddDate(0, 0, 5)},
	}
	for _, s := range sessions {
		require.NoError(t, store.CreateSession(ctx, s))
	}
	assert.True(t, apperrors.Is(store.CreateSession(ctx, sessions[0]), apperrors.ErrConflict))

	require.NoError(t, store.CompleteSession(ctx, "expired-completed", now.AddDate(0, 0, -38)))
	assert.True(t, apperrors.Is(store.CompleteSession(ctx, "nope", now), apperrors.ErrNotFound))

	removed, err := store.DeleteExpiredSessions(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = store.DeleteExpiredSessions(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}
