package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hireflow/hireflow-backend/internal/compliance/domain"
	"github.com/hireflow/hireflow-backend/pkg/errors"
)

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*domain.ComplianceRecord
	sessions map[string]*domain.WorkflowSession
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*domain.ComplianceRecord),
		sessions: make(map[string]*domain.WorkflowSession),
	}
}

func (s *MemoryStore) CreateComplianceRecord(_ context.Context, record *domain.ComplianceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.SubjectID]; ok {
		return errors.Conflict("a compliance workflow already exists for this subject")
	}
	s.records[record.SubjectID] = record.Clone()
	return nil
}

func (s *MemoryStore) LoadComplianceRecord(_ context.Context, subjectID string) (*domain.ComplianceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[subjectID]
	if !ok {
		return nil, errors.NotFound("compliance record")
	}
	return r.Clone(), nil
}

func (s *MemoryStore) SaveComplianceRecord(_ context.Context, record *domain.ComplianceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.SubjectID]; !ok {
		return errors.NotFound("compliance record")
	}
	s.records[record.SubjectID] = record.Clone()
	return nil
}

func (s *MemoryStore) ListComplianceRecords(_ context.Context) ([]*domain.ComplianceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ComplianceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *MemoryStore) QueryByUrgency(_ context.Context, levels ...domain.UrgencyLevel) ([]*domain.ComplianceRecord, error) {
	want := make(map[domain.UrgencyLevel]bool, len(levels))
	for _, l := range levels {
		want[l] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ComplianceRecord
	for _, r := range s.records {
		if r.Terminal() {
			continue
		}
		if len(want) > 0 && !want[r.UrgencyLevel] {
			continue
		}
		out = append(out, r.Clone())
	}
	sortByDeadline(out)
	return out, nil
}

func (s *MemoryStore) PendingByReviewer(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range s.records {
		if r.Terminal() || r.AssignedReviewerID == "" {
			continue
		}
		counts[r.AssignedReviewerID]++
	}
	return counts, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *domain.WorkflowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return errors.Conflict("a workflow session with this id already exists")
	}
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *MemoryStore) CompleteSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return errors.NotFound("workflow session")
	}
	if session.CompletedAt == nil {
		session.CompletedAt = &at
	}
	return nil
}

func (s *MemoryStore) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, session := range s.sessions {
		if session.CompletedAt == nil && session.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// sortByDeadline orders records by their active deadline, then subject
func sortByDeadline(records []*domain.ComplianceRecord) {
	deadline := func(r *domain.ComplianceRecord) time.Time {
		stage, ok := r.ActiveStage()
		if !ok {
			return r.StageTwoDeadline
		}
		return r.Deadline(stage)
	}
	sort.Slice(records, func(i, j int) bool {
		di, dj := deadline(records[i]), deadline(records[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return records[i].SubjectID < records[j].SubjectID
	})
}
