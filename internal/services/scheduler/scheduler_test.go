package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/services/workflow"
)

var now = time.Date(2026, 6, 1, 2, 30, 0, 0, time.UTC)

type fakeRepo struct {
	mu       sync.Mutex
	cases    map[uint64]*models.Case
	active   []uint64
	tracked  []uint64
	listErr  error
	prunedAt time.Time
	pruned   int64
	counts   map[models.CaseStatus]int64
}

func page(ids []uint64, after uint64, limit int) []uint64 {
	var out []uint64
	for _, id := range ids {
		if id > after {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

func (r *fakeRepo) GetCase(ctx context.Context, id uint64) (*models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, models.ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (r *fakeRepo) ListActiveCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return page(r.active, afterID, limit), r.listErr
}

func (r *fakeRepo) ListTrackedCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return page(r.tracked, afterID, limit), r.listErr
}

func (r *fakeRepo) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	r.prunedAt = before
	return r.pruned, nil
}

func (r *fakeRepo) CountByStatus(ctx context.Context) (map[models.CaseStatus]int64, error) {
	return r.counts, nil
}

type refresherMock struct {
	mock.Mock
}

func (m *refresherMock) ReloadCarriers(ctx context.Context) {
	m.Called()
}

func (m *refresherMock) RefreshCase(ctx context.Context, caseID uint64) (tracking.RefreshResult, error) {
	args := m.Called(caseID)
	return args.Get(0).(tracking.RefreshResult), args.Error(1)
}

func (m *refresherMock) ConfirmCase(ctx context.Context, caseID uint64) (tracking.RefreshResult, error) {
	args := m.Called(caseID)
	return args.Get(0).(tracking.RefreshResult), args.Error(1)
}

type escalatorFunc func(ctx context.Context, now time.Time) (workflow.Report, error)

func (f escalatorFunc) AutoEscalate(ctx context.Context, now time.Time) (workflow.Report, error) {
	return f(ctx, now)
}

func inTransit(id uint64) *models.Case {
	return &models.Case{
		ID:       id,
		Status:   models.CaseStatusReplacementShipped,
		Outbound: models.Shipment{TrackingNumber: "N", CarrierCode: "FAKE", Status: models.ShipmentStatusInTransit},
	}
}

func changedLeg(id uint64) tracking.RefreshResult {
	return tracking.RefreshResult{CaseID: id, Legs: []tracking.LegResult{{Direction: models.DirectionOutbound, Status: models.ShipmentStatusDelivered, Changed: true}}}
}

// failingLeg has failed twice and was last polled one active cadence ago.
func failingLeg(id uint64) *models.Case {
	c := inTransit(id)
	checked := now.Add(-15 * time.Minute)
	c.Outbound.CheckFailCount = 2
	c.Outbound.LastCheckedAt = &checked
	return c
}

func TestActiveSweep_IsolatesFailuresAndRetriesEveryCycle(t *testing.T) {
	repo := &fakeRepo{
		cases:  map[uint64]*models.Case{1: inTransit(1), 2: inTransit(2), 3: failingLeg(3), 4: inTransit(4)},
		active: []uint64{1, 2, 3, 4},
	}
	rf := &refresherMock{}
	rf.On("ReloadCarriers").Once()
	rf.On("RefreshCase", uint64(1)).Return(changedLeg(1), nil)
	rf.On("RefreshCase", uint64(2)).Return(tracking.RefreshResult{}, models.ErrCaseNotFound)
	rf.On("RefreshCase", uint64(3)).Return(tracking.RefreshResult{CaseID: 3}, nil).Once()
	rf.On("RefreshCase", uint64(4)).Return(tracking.RefreshResult{CaseID: 4}, nil)

	s := New(repo, rf, nil, nil).
		WithClock(func() time.Time { return now }).
		WithSettings(Settings{Concurrency: 2, BatchSize: 3, DailyHourUTC: 2})
	s.RunOnce(context.Background(), KindActive)

	rf.AssertExpectations(t)

	st := s.Stats()
	assert.Equal(t, int64(3), st.TotalCases)
	assert.Equal(t, int64(1), st.TotalChanged)
	assert.Equal(t, int64(0), st.TotalSkipped)
	assert.Equal(t, int64(1), st.TotalErrors)
	assert.Equal(t, int64(0), st.InFlight)
	assert.NotEmpty(t, st.LastError)
	require.NotNil(t, st.LastActiveAt)
	assert.Nil(t, st.LastFullAt)
}

func TestActiveSweep_OptInBackoffSkipsFailingLeg(t *testing.T) {
	repo := &fakeRepo{
		cases:  map[uint64]*models.Case{1: inTransit(1), 3: failingLeg(3)},
		active: []uint64{1, 3},
	}
	rf := &refresherMock{}
	rf.On("ReloadCarriers").Once()
	rf.On("RefreshCase", uint64(1)).Return(tracking.RefreshResult{CaseID: 1}, nil)

	s := New(repo, rf, nil, nil).
		WithClock(func() time.Time { return now }).
		WithBackoff(DefaultBackoffConfig())
	s.RunOnce(context.Background(), KindActive)

	rf.AssertExpectations(t)
	rf.AssertNotCalled(t, "RefreshCase", uint64(3))
	assert.Equal(t, int64(1), s.Stats().TotalSkipped)
}

func TestFullSweep_ConfirmsTrackedCases(t *testing.T) {
	repo := &fakeRepo{tracked: []uint64{5, 6}}
	rf := &refresherMock{}
	rf.On("ReloadCarriers").Once()
	rf.On("ConfirmCase", uint64(5)).Return(tracking.RefreshResult{CaseID: 5}, nil)
	rf.On("ConfirmCase", uint64(6)).Return(changedLeg(6), nil)

	s := New(repo, rf, nil, nil).WithSettings(Settings{BatchSize: 1})
	s.RunOnce(context.Background(), KindFull)

	rf.AssertExpectations(t)
	rf.AssertNotCalled(t, "RefreshCase", mock.Anything)
	assert.Equal(t, int64(1), s.Stats().TotalChanged)
}

func TestSweep_ListErrorIsReported(t *testing.T) {
	repo := &fakeRepo{listErr: errors.New("db down")}
	rf := &refresherMock{}
	rf.On("ReloadCarriers")

	s := New(repo, rf, nil, nil)
	s.RunOnce(context.Background(), KindActive)
	assert.Contains(t, s.Stats().LastError, "db down")
}

func TestEscalationJob(t *testing.T) {
	var calledAt time.Time
	esc := escalatorFunc(func(ctx context.Context, at time.Time) (workflow.Report, error) {
		calledAt = at
		return workflow.Report{Scanned: 5, Escalated: []uint64{1, 4}, Failed: 1}, nil
	})
	s := New(&fakeRepo{}, &refresherMock{}, esc, nil).WithClock(func() time.Time { return now })
	s.RunOnce(context.Background(), KindEscalation)

	assert.Equal(t, now, calledAt)
	st := s.Stats()
	assert.Equal(t, int64(2), st.TotalEscalated)
	assert.Equal(t, int64(1), st.TotalErrors)
}

func TestDailyJob(t *testing.T) {
	repo := &fakeRepo{
		pruned: 7,
		counts: map[models.CaseStatus]int64{
			models.CaseStatusUnderReview: 3,
			models.CaseStatusCompleted:   10,
		},
	}
	rec := notify.NewRecorder(4)
	s := New(repo, &refresherMock{}, nil, rec).
		WithClock(func() time.Time { return now }).
		WithSettings(Settings{Retention: 30 * 24 * time.Hour, DailyHourUTC: 2})

	assert.True(t, s.dailyDue(now))
	s.RunOnce(context.Background(), KindDaily)
	assert.False(t, s.dailyDue(now.Add(10*time.Minute)), "once per day")
	assert.True(t, s.dailyDue(now.Add(24*time.Hour)))
	assert.False(t, s.dailyDue(now.Add(25*time.Hour)))

	assert.Equal(t, now.Add(-30*24*time.Hour), repo.prunedAt)
	assert.Equal(t, int64(7), s.Stats().TotalPruned)

	ns := rec.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, messages.NotificationDailySummary, ns[0].Type)
	assert.Equal(t, int64(3), ns[0].Data["open"])
	assert.Equal(t, 30, ns[0].Data["retentionDays"])
}

func TestRun_StopsOnContextCancelAndServesTriggers(t *testing.T) {
	repo := &fakeRepo{}
	rf := &refresherMock{}
	rf.On("ReloadCarriers")
	s := New(repo, rf, nil, nil).WithSettings(Settings{
		ActiveInterval:     time.Hour,
		FullInterval:       time.Hour,
		EscalationInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger(KindFull))
	require.Eventually(t, func() bool { return s.Stats().LastFullAt != nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, s.Stats().LastTriggerAt)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("")
	assert.True(t, ok)
	assert.Equal(t, KindActive, k)
	k, ok = ParseKind("daily")
	assert.True(t, ok)
	assert.Equal(t, KindDaily, k)
	_, ok = ParseKind("weekly")
	assert.False(t, ok)
}
