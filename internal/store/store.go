// Package store is the durable persistence contract of the control plane. The
// components only ever issue parameterized upserts and reads through Store.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// Store persists agents, finalized snapshots, commands, assessments and standby capacity.
type Store interface {
	UpsertAgent(ctx context.Context, agent models.Agent) error
	ListAgents(ctx context.Context) ([]models.Agent, error)

	UpsertSnapshot(ctx context.Context, snapshot models.PricingSnapshot) error
	ListSnapshots(ctx context.Context, poolID string, from, to time.Time) ([]models.PricingSnapshot, error)

	UpsertCommand(ctx context.Context, cmd models.Command) error
	GetCommand(ctx context.Context, id string) (models.Command, error)
	ListCommands(ctx context.Context, filter CommandFilter) ([]models.Command, error)

	InsertAssessment(ctx context.Context, assessment models.RiskAssessment) error
	ListAssessments(ctx context.Context, agentID string, limit int) ([]models.RiskAssessment, error)

	UpsertStandby(ctx context.Context, instance models.StandbyInstance) error
	ListStandby(ctx context.Context) ([]models.StandbyInstance, error)

	Close() error
}

// CommandFilter narrows ListCommands. Empty fields match everything.
type CommandFilter struct {
	AgentID       string
	CorrelationID string
	NonTerminal   bool
}

func (f CommandFilter) matches(cmd models.Command) bool {
	if f.AgentID != "" && cmd.AgentID != f.AgentID {
		return false
	}
	if f.CorrelationID != "" && cmd.CorrelationID != f.CorrelationID {
		return false
	}
	if f.NonTerminal && cmd.State.Terminal() {
		return false
	}
	return true
}

// ErrNotFound is returned when a keyed read has no row.
var ErrNotFound = &utils.AppError{Code: utils.CodeNotFound, Op: "store", Msg: "record not found"}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
