package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/driftline/spotwatch/internal/utils"
)

const (
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
)

// Postgres is the shared durable store for multi-replica deployments. The
// schema is provisioned out of band; NewPostgres refuses to start without it.
type Postgres struct {
	sqlStore
}

// NewPostgres connects through pgx's database/sql driver and verifies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, utils.NewAppError(utils.CodeValidation, "store.NewPostgres", "postgres DSN is required", nil)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultDBPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Postgres{sqlStore{db: db, numbered: true}}
	if err := s.verifySchemaReady(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) verifySchemaReady(ctx context.Context) error {
	for _, table := range requiredTables {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			return fmt.Errorf("verify schema: %w", err)
		}
		if !exists {
			return utils.NewAppError(utils.CodeFailedPrecondition, "store.NewPostgres",
				fmt.Sprintf("required table %q is missing; apply store.Schema before starting spotwatch", table), nil)
		}
	}
	return nil
}
