package memrma

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

type entry struct {
	// mu serialises writes to one case; the store-level lock only guards the maps.
	mu      sync.Mutex
	c       *models.Case
	events  []*models.TrackingEvent
	history []*models.WorkflowHistory
	deleted bool
}

// Storage keeps everything in process memory. It is used for local runs
// (storage: memory) and by service tests.
type Storage struct {
	mu        sync.RWMutex
	cases     map[uint64]*entry
	byNumber  map[string]uint64
	sequences map[int]int
	rules     *models.RuleSet

	nextCaseID    uint64
	nextEventID   uint64
	nextHistoryID uint64
}

func New() *Storage {
	return &Storage{
		cases:     map[uint64]*entry{},
		byNumber:  map[string]uint64{},
		sequences: map[int]int{},
	}
}

func (s *Storage) Close() {}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) CreateCase(ctx context.Context, c *models.Case, h *models.WorkflowHistory) (*models.Case, error) {
	if c == nil {
		return nil, errors.New("nil case")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCaseID++
	year := c.CreatedAt.UTC().Year()
	s.sequences[year]++

	stored := c.Clone()
	stored.ID = s.nextCaseID
	stored.CaseNumber = models.FormatCaseNumber(year, s.sequences[year])

	e := &entry{c: stored}
	if h != nil {
		e.history = append(e.history, s.stampHistory(stored.ID, h))
	}
	s.cases[stored.ID] = e
	s.byNumber[stored.CaseNumber] = stored.ID
	return stored.Clone(), nil
}

func (s *Storage) GetCase(ctx context.Context, id uint64) (*models.Case, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
	}
	return e.c.Clone(), nil
}

func (s *Storage) GetCaseByNumber(ctx context.Context, number string) (*models.Case, error) {
	s.mu.RLock()
	id, ok := s.byNumber[number]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %s", number)
	}
	return s.GetCase(ctx, id)
}

// MutateCase runs fn on a copy of the case while holding the case lock.
// A nil change leaves the case untouched; an error aborts everything.
func (s *Storage) MutateCase(ctx context.Context, id uint64, fn func(c *models.Case) (*models.CaseChange, error)) (*models.Case, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := e.c.Clone()
	change, err := fn(work)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return e.c.Clone(), nil
	}

	s.mu.Lock()
	for _, ev := range change.Events {
		s.nextEventID++
		cp := *ev
		cp.ID = s.nextEventID
		cp.CaseID = id
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		ev.ID, ev.CaseID, ev.CreatedAt = cp.ID, cp.CaseID, cp.CreatedAt
		e.events = append(e.events, &cp)
	}
	for _, h := range change.History {
		e.history = append(e.history, s.stampHistory(id, h))
	}
	s.mu.Unlock()

	work.ID = id
	e.c = work
	return work.Clone(), nil
}

func (s *Storage) FindShipments(ctx context.Context, carrierCode, trackingNumber string) ([]models.ShipmentRef, error) {
	var out []models.ShipmentRef
	for _, e := range s.snapshot() {
		for _, dir := range models.Directions {
			sh := e.Shipment(dir)
			if sh.TrackingNumber == trackingNumber && sh.CarrierCode == carrierCode {
				out = append(out, models.ShipmentRef{CaseID: e.ID, Direction: dir})
			}
		}
	}
	return out, nil
}

func (s *Storage) ListActiveCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return s.listIDs(afterID, limit, func(c *models.Case) bool {
		return c.Outbound.Trackable() || c.Return.Trackable()
	}), nil
}

func (s *Storage) ListTrackedCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	return s.listIDs(afterID, limit, func(c *models.Case) bool {
		return c.Outbound.TrackingNumber != "" || c.Return.TrackingNumber != ""
	}), nil
}

func (s *Storage) ListOpenCases(ctx context.Context, afterID uint64, limit int) ([]*models.Case, error) {
	var out []*models.Case
	for _, c := range s.snapshot() {
		if c.ID <= afterID || c.Status.Terminal() {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Storage) ListBreachedCases(ctx context.Context) ([]*models.Case, error) {
	var out []*models.Case
	for _, c := range s.snapshot() {
		if c.SLA.Breached {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Storage) CountByStatus(ctx context.Context) (map[models.CaseStatus]int64, error) {
	out := map[models.CaseStatus]int64{}
	for _, c := range s.snapshot() {
		out[c.Status]++
	}
	return out, nil
}

// ListEvents returns the case's tracking log ordered by direction, then timestamp.
func (s *Storage) ListEvents(ctx context.Context, caseID uint64) ([]*models.TrackingEvent, error) {
	e, err := s.entry(caseID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	out := make([]*models.TrackingEvent, 0, len(e.events))
	for _, ev := range e.events {
		cp := *ev
		out = append(out, &cp)
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Direction != b.Direction {
			return a.Direction == models.DirectionOutbound
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Storage) ListHistory(ctx context.Context, caseID uint64) ([]*models.WorkflowHistory, error) {
	e, err := s.entry(caseID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.WorkflowHistory, 0, len(e.history))
	for _, h := range e.history {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.cases))
	for _, e := range s.cases {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var n int64
	for _, e := range entries {
		e.mu.Lock()
		kept := e.events[:0]
		for _, ev := range e.events {
			if ev.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		e.events = kept
		e.mu.Unlock()
	}
	return n, nil
}

func (s *Storage) DeleteCase(ctx context.Context, id uint64) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.deleted = true
	number := e.c.CaseNumber
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.cases, id)
	delete(s.byNumber, number)
	s.mu.Unlock()
	return nil
}

// GetRules returns nil when no rule set has been saved yet.
func (s *Storage) GetRules(ctx context.Context) (*models.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Clone(), nil
}

func (s *Storage) SaveRules(ctx context.Context, rs *models.RuleSet) (*models.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := rs.Clone()
	next.Version = 1
	if s.rules != nil {
		next.Version = s.rules.Version + 1
	}
	next.UpdatedAt = time.Now().UTC()
	s.rules = next
	return next.Clone(), nil
}

func (s *Storage) entry(id uint64) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cases[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrCaseNotFound, "case %d", id)
	}
	return e, nil
}

// snapshot returns copies of all cases ordered by id.
func (s *Storage) snapshot() []*models.Case {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.cases))
	for _, e := range s.cases {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*models.Case, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.c.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Storage) listIDs(afterID uint64, limit int, keep func(c *models.Case) bool) []uint64 {
	var out []uint64
	for _, c := range s.snapshot() {
		if c.ID <= afterID || !keep(c) {
			continue
		}
		out = append(out, c.ID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// stampHistory must be called with s.mu held.
func (s *Storage) stampHistory(caseID uint64, h *models.WorkflowHistory) *models.WorkflowHistory {
	s.nextHistoryID++
	cp := *h
	cp.ID = s.nextHistoryID
	cp.CaseID = caseID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	h.ID, h.CaseID, h.CreatedAt = cp.ID, cp.CaseID, cp.CreatedAt
	return &cp
}
