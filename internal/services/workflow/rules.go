package workflow

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/models"
)

type RuleStore interface {
	GetRules(ctx context.Context) (*models.RuleSet, error)
	SaveRules(ctx context.Context, rs *models.RuleSet) (*models.RuleSet, error)
}

// Rules holds the published rule tables. Readers get an immutable snapshot;
// Replace swaps the whole set, so a sweep never sees a half-edited table.
type Rules struct {
	store    RuleStore
	defaults *models.RuleSet
	cur      atomic.Pointer[models.RuleSet]
}

func NewRules(store RuleStore, defaults *models.RuleSet) *Rules {
	if defaults == nil {
		defaults = DefaultRules()
	}
	r := &Rules{store: store, defaults: defaults.Clone()}
	r.cur.Store(r.defaults)
	return r
}

func (r *Rules) Current() *models.RuleSet {
	return r.cur.Load()
}

// Refresh reloads the tables from the store. Until something was saved the
// configured defaults stay in force.
func (r *Rules) Refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rs, err := r.store.GetRules(ctx)
	if err != nil {
		return errors.Wrap(err, "get rules")
	}
	if rs == nil {
		return nil
	}
	if err := rs.Validate(); err != nil {
		// битые правила в базе не должны ломать свип
		slog.Error("stored workflow rules rejected", "version", rs.Version, "error", err.Error())
		return err
	}
	r.cur.Store(rs)
	return nil
}

// Replace validates and persists a complete rule set, then publishes it.
func (r *Rules) Replace(ctx context.Context, rs *models.RuleSet, actor string) (*models.RuleSet, error) {
	if rs == nil {
		return nil, errors.Wrap(models.ErrValidation, "empty rule set")
	}
	next := rs.Clone()
	next.DefaultAssignee = strings.TrimSpace(next.DefaultAssignee)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if r.store != nil {
		saved, err := r.store.SaveRules(ctx, next)
		if err != nil {
			return nil, errors.Wrap(err, "save rules")
		}
		next = saved
	} else {
		next.Version = r.Current().Version + 1
	}
	r.cur.Store(next)
	slog.Info("workflow rules replaced", "version", next.Version, "actor", actor,
		"assignment_rules", len(next.Assignment), "escalation_rules", len(next.Escalation))
	return next.Clone(), nil
}

// DefaultRules escalates cases stuck in review or with the vendor.
func DefaultRules() *models.RuleSet {
	return &models.RuleSet{
		DefaultAssignee: "rma-desk",
		Escalation: []models.EscalationRule{
			{Status: models.CaseStatusUnderReview, AfterHours: 48},
			{Status: models.CaseStatusSentToVendor, AfterHours: 72},
		},
	}
}

// RulesFromConfig builds the startup tables. Missing sections fall back to
// DefaultRules.
func RulesFromConfig(c config.RMATrackConfig) (*models.RuleSet, error) {
	rs := DefaultRules()
	if c.DefaultAssignee != "" {
		rs.DefaultAssignee = c.DefaultAssignee
	}
	for _, a := range c.AssignmentRules {
		rs.Assignment = append(rs.Assignment, models.AssignmentRule{
			Priority: models.Priority(strings.ToLower(a.Priority)),
			Status:   models.CaseStatus(strings.ToLower(a.Status)),
			Assignee: a.Assignee,
		})
	}
	if len(c.EscalationRules) > 0 {
		rs.Escalation = nil
		for _, e := range c.EscalationRules {
			rs.Escalation = append(rs.Escalation, models.EscalationRule{
				Status:     models.CaseStatus(strings.ToLower(e.Status)),
				AfterHours: e.AfterHours,
				Assignee:   e.Assignee,
			})
		}
	}
	if err := rs.Validate(); err != nil {
		return nil, errors.Wrap(err, "workflow rules in config")
	}
	return rs, nil
}
