package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/broker/messages"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/services/notify"
	"github.com/BearBump/RMATrack/internal/services/tracking"
	"github.com/BearBump/RMATrack/internal/services/workflow"
)

type Repository interface {
	GetCase(ctx context.Context, id uint64) (*models.Case, error)
	ListActiveCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)
	ListTrackedCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.CaseStatus]int64, error)
}

type Refresher interface {
	ReloadCarriers(ctx context.Context)
	RefreshCase(ctx context.Context, caseID uint64) (tracking.RefreshResult, error)
	ConfirmCase(ctx context.Context, caseID uint64) (tracking.RefreshResult, error)
}

type Escalator interface {
	AutoEscalate(ctx context.Context, now time.Time) (workflow.Report, error)
}

// Kind names one of the scheduler's jobs.
type Kind string

const (
	KindActive     Kind = "active"
	KindFull       Kind = "full"
	KindEscalation Kind = "escalation"
	KindDaily      Kind = "daily"
)

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindActive, KindFull, KindEscalation, KindDaily:
		return k, true
	case "":
		return KindActive, true
	}
	return "", false
}

type Settings struct {
	ActiveInterval     time.Duration
	FullInterval       time.Duration
	EscalationInterval time.Duration
	DailyHourUTC       int
	Retention          time.Duration
	Concurrency        int
	BatchSize          int
}

func DefaultSettings() Settings {
	return Settings{
		ActiveInterval:     15 * time.Minute,
		FullInterval:       240 * time.Minute,
		EscalationInterval: 30 * time.Minute,
		DailyHourUTC:       2,
		Retention:          180 * 24 * time.Hour,
		Concurrency:        8,
		BatchSize:          200,
	}
}

type Scheduler struct {
	repo      Repository
	refresher Refresher
	escalator Escalator
	notifier  notify.Notifier
	backoff   *Backoff

	cfg Settings
	now func() time.Time

	triggerCh chan Kind
	lastDaily string

	startedAtUnixNano   int64
	lastTriggerUnixNano atomic.Int64
	lastRun             [4]atomic.Int64
	totalCases          atomic.Int64
	totalLegs           atomic.Int64
	totalChanged        atomic.Int64
	totalSkipped        atomic.Int64
	totalErrors         atomic.Int64
	totalEscalated      atomic.Int64
	totalPruned         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, refresher Refresher, esc Escalator, n notify.Notifier) *Scheduler {
	if n == nil {
		n = notify.Discard
	}
	return &Scheduler{
		repo:              repo,
		refresher:         refresher,
		escalator:         esc,
		notifier:          n,
		cfg:               DefaultSettings(),
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan Kind, 4),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// WithSettings overlays the positive fields of cfg. DailyHourUTC is always
// taken when it is a valid hour.
func (s *Scheduler) WithSettings(cfg Settings) *Scheduler {
	if cfg.ActiveInterval > 0 {
		s.cfg.ActiveInterval = cfg.ActiveInterval
	}
	if cfg.FullInterval > 0 {
		s.cfg.FullInterval = cfg.FullInterval
	}
	if cfg.EscalationInterval > 0 {
		s.cfg.EscalationInterval = cfg.EscalationInterval
	}
	if cfg.DailyHourUTC >= 0 && cfg.DailyHourUTC <= 23 {
		s.cfg.DailyHourUTC = cfg.DailyHourUTC
	}
	if cfg.Retention > 0 {
		s.cfg.Retention = cfg.Retention
	}
	if cfg.Concurrency > 0 {
		s.cfg.Concurrency = cfg.Concurrency
	}
	if cfg.BatchSize > 0 {
		s.cfg.BatchSize = cfg.BatchSize
	}
	return s
}

// WithBackoff makes the active sweep skip cases whose failing legs are still
// inside their backoff window. Off by default: a failed poll is retried on
// the next cycle.
func (s *Scheduler) WithBackoff(cfg BackoffConfig) *Scheduler {
	s.backoff = NewBackoff(cfg)
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Scheduler) Settings() Settings { return s.cfg }

// Trigger asks Run for an immediate job (best-effort, non-blocking).
func (s *Scheduler) Trigger(kind Kind) bool {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- kind:
		return true
	default:
		return false
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastActiveAt     *time.Time `json:"lastActiveSweepAt,omitempty"`
	LastFullAt       *time.Time `json:"lastFullSweepAt,omitempty"`
	LastEscalationAt *time.Time `json:"lastEscalationAt,omitempty"`
	LastDailyAt      *time.Time `json:"lastDailyJobAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCases       int64      `json:"totalCases"`
	TotalLegs        int64      `json:"totalLegs"`
	TotalChanged     int64      `json:"totalChanged"`
	TotalSkipped     int64      `json:"totalSkipped"`
	TotalErrors      int64      `json:"totalErrors"`
	TotalEscalated   int64      `json:"totalEscalated"`
	TotalPruned      int64      `json:"totalPruned"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalCases:     s.totalCases.Load(),
		TotalLegs:      s.totalLegs.Load(),
		TotalChanged:   s.totalChanged.Load(),
		TotalSkipped:   s.totalSkipped.Load(),
		TotalErrors:    s.totalErrors.Load(),
		TotalEscalated: s.totalEscalated.Load(),
		TotalPruned:    s.totalPruned.Load(),
		InFlight:       s.inFlight.Load(),
	}
	st.LastActiveAt = unixPtr(s.lastRun[0].Load())
	st.LastFullAt = unixPtr(s.lastRun[1].Load())
	st.LastEscalationAt = unixPtr(s.lastRun[2].Load())
	st.LastDailyAt = unixPtr(s.lastRun[3].Load())
	st.LastTriggerAt = unixPtr(s.lastTriggerUnixNano.Load())
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run drives all cadences until ctx is cancelled. Jobs run one at a time; a
// cancelled sweep leaves the rest of its cases for the next cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	active := time.NewTicker(s.cfg.ActiveInterval)
	defer active.Stop()
	full := time.NewTicker(s.cfg.FullInterval)
	defer full.Stop()
	esc := time.NewTicker(s.cfg.EscalationInterval)
	defer esc.Stop()
	daily := time.NewTicker(time.Minute)
	defer daily.Stop()

	slog.Info("scheduler started",
		"active_interval", s.cfg.ActiveInterval.String(),
		"full_interval", s.cfg.FullInterval.String(),
		"escalation_interval", s.cfg.EscalationInterval.String(),
		"daily_hour_utc", s.cfg.DailyHourUTC,
		"concurrency", s.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-active.C:
			s.RunOnce(ctx, KindActive)
		case <-full.C:
			s.RunOnce(ctx, KindFull)
		case <-esc.C:
			s.RunOnce(ctx, KindEscalation)
		case <-daily.C:
			if s.dailyDue(s.now()) {
				s.RunOnce(ctx, KindDaily)
			}
		case k := <-s.triggerCh:
			s.RunOnce(ctx, k)
		}
	}
}

// RunOnce executes one job synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, kind Kind) {
	now := s.now()
	var err error
	switch kind {
	case KindActive:
		s.lastRun[0].Store(now.UnixNano())
		err = s.sweep(ctx, kind, s.repo.ListActiveCaseIDs)
	case KindFull:
		s.lastRun[1].Store(now.UnixNano())
		err = s.sweep(ctx, kind, s.repo.ListTrackedCaseIDs)
	case KindEscalation:
		s.lastRun[2].Store(now.UnixNano())
		err = s.escalate(ctx, now)
	case KindDaily:
		s.lastRun[3].Store(now.UnixNano())
		s.lastDaily = now.Format(time.DateOnly)
		err = s.daily(ctx, now)
	default:
		err = errors.Errorf("unknown job %q", kind)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(err)
		slog.Error("scheduler job failed", "job", kind, "error", err.Error())
	}
}

func (s *Scheduler) dailyDue(now time.Time) bool {
	return now.Hour() == s.cfg.DailyHourUTC && s.lastDaily != now.Format(time.DateOnly)
}

type idLister func(ctx context.Context, afterID uint64, limit int) ([]uint64, error)

func (s *Scheduler) sweep(ctx context.Context, kind Kind, list idLister) error {
	// каталог перевозчиков перечитываем перед каждым проходом
	s.refresher.ReloadCarriers(ctx)

	started := time.Now()
	var cases, changed, failed atomic.Int64
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	var after uint64
	for {
		ids, err := list(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return errors.Wrapf(err, "list %s cases", kind)
		}
		for _, id := range ids {
			after = id
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			s.inFlight.Add(1)
			go func() {
				defer func() {
					s.inFlight.Add(-1)
					<-sem
					wg.Done()
				}()
				res, err := s.processOne(ctx, kind, id)
				if err != nil {
					failed.Add(1)
					s.totalErrors.Add(1)
					s.fail(err)
					slog.Error("refresh case", "job", kind, "case_id", id, "error", err.Error())
					return
				}
				cases.Add(1)
				changed.Add(int64(res.Changed()))
				if n := res.Failed(); n > 0 {
					failed.Add(int64(n))
					s.totalErrors.Add(int64(n))
					for _, l := range res.Legs {
						if l.Err() != nil {
							s.fail(l.Err())
							slog.Warn("carrier poll failed", "case_id", id, "direction", l.Direction, "error", l.Error)
						}
					}
				}
			}()
		}
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}
	wg.Wait()

	slog.Info("sweep finished", "job", kind, "cases", cases.Load(), "changed", changed.Load(),
		"failed", failed.Load(), "took", time.Since(started).String())
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, kind Kind, id uint64) (tracking.RefreshResult, error) {
	if kind == KindFull {
		res, err := s.refresher.ConfirmCase(ctx, id)
		if err == nil {
			s.count(res)
		}
		return res, err
	}
	if s.backoff != nil {
		c, err := s.repo.GetCase(ctx, id)
		if err != nil {
			return tracking.RefreshResult{}, err
		}
		if !s.backoff.AnyDue(c, s.now()) {
			s.totalSkipped.Add(1)
			return tracking.RefreshResult{CaseID: id}, nil
		}
	}
	res, err := s.refresher.RefreshCase(ctx, id)
	if err == nil {
		s.count(res)
	}
	return res, err
}

func (s *Scheduler) count(res tracking.RefreshResult) {
	s.totalCases.Add(1)
	s.totalLegs.Add(int64(len(res.Legs)))
	s.totalChanged.Add(int64(res.Changed()))
}

func (s *Scheduler) escalate(ctx context.Context, now time.Time) error {
	if s.escalator == nil {
		return nil
	}
	rep, err := s.escalator.AutoEscalate(ctx, now)
	s.totalEscalated.Add(int64(len(rep.Escalated)))
	s.totalErrors.Add(int64(rep.Failed))
	return err
}

// daily prunes old tracking events and publishes the status summary.
func (s *Scheduler) daily(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.Retention)
	pruned, err := s.repo.PruneEvents(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "prune tracking events")
	}
	s.totalPruned.Add(pruned)
	slog.Info("tracking events pruned", "before", cutoff, "deleted", pruned)

	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "count cases by status")
	}
	byStatus := make(map[string]int64, len(counts))
	var open int64
	for st, n := range counts {
		byStatus[string(st)] = n
		if !st.Terminal() {
			open += n
		}
	}
	n := messages.NewCaseNotification(messages.NotificationDailySummary, 0, now)
	n.Data = map[string]any{
		"byStatus":      byStatus,
		"open":          open,
		"prunedEvents":  pruned,
		"retentionDays": int(s.cfg.Retention / (24 * time.Hour)),
	}
	s.notifier.Notify(ctx, n)
	return nil
}

func (s *Scheduler) fail(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
