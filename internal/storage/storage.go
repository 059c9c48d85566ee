// Package storage picks the case store a process runs on.
package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/config"
	"github.com/BearBump/RMATrack/internal/models"
	"github.com/BearBump/RMATrack/internal/storage/memrma"
	"github.com/BearBump/RMATrack/internal/storage/pgrma"
)

// Store is the full case persistence surface; memrma and pgrma both
// implement it.
type Store interface {
	CreateCase(ctx context.Context, c *models.Case, h *models.WorkflowHistory) (*models.Case, error)
	GetCase(ctx context.Context, id uint64) (*models.Case, error)
	GetCaseByNumber(ctx context.Context, number string) (*models.Case, error)
	MutateCase(ctx context.Context, id uint64, fn func(c *models.Case) (*models.CaseChange, error)) (*models.Case, error)
	DeleteCase(ctx context.Context, id uint64) error

	FindShipments(ctx context.Context, carrierCode, trackingNumber string) ([]models.ShipmentRef, error)
	ListActiveCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)
	ListTrackedCaseIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)
	ListOpenCases(ctx context.Context, afterID uint64, limit int) ([]*models.Case, error)
	ListBreachedCases(ctx context.Context) ([]*models.Case, error)
	CountByStatus(ctx context.Context) (map[models.CaseStatus]int64, error)

	ListEvents(ctx context.Context, caseID uint64) ([]*models.TrackingEvent, error)
	ListHistory(ctx context.Context, caseID uint64) ([]*models.WorkflowHistory, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	GetRules(ctx context.Context) (*models.RuleSet, error)
	SaveRules(ctx context.Context, rs *models.RuleSet) (*models.RuleSet, error)

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*memrma.Storage)(nil)
	_ Store = (*pgrma.Storage)(nil)
)

// Open returns the configured store. Postgres is retried until wait runs
// out, since the database usually starts together with the service.
func Open(cfg *config.Config, wait time.Duration) (Store, error) {
	switch strings.ToLower(cfg.RMATrack.Storage) {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on restart")
		return memrma.New(), nil
	case "", "postgres":
		return openPostgres(cfg.Database.ConnString(), wait)
	default:
		return nil, errors.Errorf("unknown storage %q", cfg.RMATrack.Storage)
	}
}

func openPostgres(connString string, wait time.Duration) (*pgrma.Storage, error) {
	deadline := time.Now().Add(wait)
	for {
		st, err := pgrma.New(connString)
		if err == nil {
			return st, nil
		}
		if !time.Now().Before(deadline) {
			return nil, errors.Wrapf(err, "postgres is not ready after %s", wait)
		}
		slog.Warn("postgres not ready, retrying", "error", err.Error())
		time.Sleep(time.Second)
	}
}
