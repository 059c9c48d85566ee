package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

const defaultPageSize = 200

type CaseLister interface {
	ListOpenCases(ctx context.Context, afterID uint64, limit int) ([]*models.Case, error)
}

// Escalator performs the guarded escalation of one case. It re-checks the
// threshold under the case lock and reports whether it moved the case.
type Escalator interface {
	Escalate(ctx context.Context, id uint64) (*models.Case, bool, error)
}

type Assigner interface {
	Assign(ctx context.Context, id uint64, assignee, actor string) (*models.Case, error)
}

type Engine struct {
	cases     CaseLister
	rules     *Rules
	escalator Escalator
	assigner  Assigner
	pageSize  int
}

func NewEngine(cases CaseLister, rules *Rules, esc Escalator, asg Assigner) *Engine {
	return &Engine{cases: cases, rules: rules, escalator: esc, assigner: asg, pageSize: defaultPageSize}
}

func (e *Engine) WithPageSize(n int) *Engine {
	if n > 0 {
		e.pageSize = n
	}
	return e
}

func (e *Engine) Rules() *Rules { return e.rules }

// Report summarises one escalation sweep.
type Report struct {
	Scanned   int      `json:"scanned"`
	Escalated []uint64 `json:"escalated"`
	Failed    int      `json:"failed"`
}

// AutoEscalate scans open cases and escalates every one that has sat in its
// status past the rule threshold. A failure on one case is logged and the
// sweep goes on.
func (e *Engine) AutoEscalate(ctx context.Context, now time.Time) (Report, error) {
	if err := e.rules.Refresh(ctx); err != nil {
		slog.Warn("workflow rules refresh", "error", err.Error())
	}
	rules := e.rules.Current()
	rep := Report{Escalated: []uint64{}}

	var after uint64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		page, err := e.cases.ListOpenCases(ctx, after, e.pageSize)
		if err != nil {
			return rep, errors.Wrap(err, "list open cases")
		}
		for _, c := range page {
			after = c.ID
			rep.Scanned++
			rule, ok := rules.EscalationFor(c.Status)
			if !ok || now.Sub(c.StatusChangedAt) < rule.Threshold() {
				continue
			}
			_, done, err := e.escalator.Escalate(ctx, c.ID)
			if err != nil {
				rep.Failed++
				slog.Error("auto escalate", "case_id", c.ID, "status", c.Status, "error", err.Error())
				continue
			}
			if done {
				rep.Escalated = append(rep.Escalated, c.ID)
			}
		}
		if len(page) < e.pageSize {
			break
		}
	}
	if len(rep.Escalated) > 0 || rep.Failed > 0 {
		slog.Info("escalation sweep", "scanned", rep.Scanned, "escalated", len(rep.Escalated), "failed", rep.Failed)
	}
	return rep, nil
}

// AutoAssign returns the party the current tables give c.
func (e *Engine) AutoAssign(c *models.Case) string {
	return e.rules.Current().AssigneeFor(c.Priority, c.Status)
}

// ApplyAssignment stores the AutoAssign result on the case.
func (e *Engine) ApplyAssignment(ctx context.Context, id uint64, actor string) (*models.Case, error) {
	return e.assigner.Assign(ctx, id, "", actor)
}
