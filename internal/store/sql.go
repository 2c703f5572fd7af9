package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// Schema is the table layout shared by the sqlite and postgres drivers. SQLite
// applies it on open; Postgres expects it to be provisioned ahead of time.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    logical_id TEXT NOT NULL,
    generation BIGINT NOT NULL,
    status TEXT NOT NULL,
    eligible BOOLEAN NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    current_pool_id TEXT NOT NULL DEFAULT '',
    current_mode TEXT NOT NULL DEFAULT '',
    last_heartbeat_at BIGINT NOT NULL,
    registered_at BIGINT NOT NULL,
    superseded_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS snapshots (
    pool_id TEXT NOT NULL,
    bucket_start BIGINT NOT NULL,
    count BIGINT NOT NULL,
    mean_price DOUBLE PRECISION NOT NULL,
    min_price DOUBLE PRECISION NOT NULL,
    max_price DOUBLE PRECISION NOT NULL,
    mean_counterpart DOUBLE PRECISION NOT NULL,
    last_observed_at BIGINT NOT NULL,
    interpolated BOOLEAN NOT NULL,
    finalized BOOLEAN NOT NULL,
    PRIMARY KEY (pool_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS commands (
    id TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    agent_generation BIGINT NOT NULL,
    kind TEXT NOT NULL,
    source_pool_id TEXT NOT NULL DEFAULT '',
    target_pool_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    retry_count INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    health TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    ack_deadline BIGINT NOT NULL,
    deadline BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS commands_agent_idx ON commands (agent_id, created_at);

CREATE TABLE IF NOT EXISTS assessments (
    agent_id TEXT NOT NULL,
    produced_at BIGINT NOT NULL,
    pool_id TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    model_version TEXT NOT NULL,
    feature_version TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    features TEXT NOT NULL,
    PRIMARY KEY (agent_id, produced_at)
);

CREATE TABLE IF NOT EXISTS standby_instances (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    pool_id TEXT NOT NULL,
    state TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

var requiredTables = []string{"agents", "snapshots", "commands", "assessments", "standby_instances"}

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for drivers that use numbered parameters.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	return rebind(query)
}

// rebind rewrites ? placeholders to $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return utils.NewAppError(utils.CodeInternal, op, "statement failed", err)
	}
	return nil
}

func (s *sqlStore) UpsertAgent(ctx context.Context, a models.Agent) error {
	return s.exec(ctx, "store.UpsertAgent", `
		INSERT INTO agents (id, logical_id, generation, status, eligible, address,
			current_pool_id, current_mode, last_heartbeat_at, registered_at, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    eligible = EXCLUDED.eligible,
		    address = EXCLUDED.address,
		    current_pool_id = EXCLUDED.current_pool_id,
		    current_mode = EXCLUDED.current_mode,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		    superseded_by = EXCLUDED.superseded_by`,
		a.ID, a.LogicalID, a.Generation, string(a.Status), a.Eligible, a.Address,
		a.CurrentPoolID, string(a.CurrentMode), toNanos(a.LastHeartbeatAt), toNanos(a.RegisteredAt), a.SupersededBy)
}

func (s *sqlStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logical_id, generation, status, eligible, address, current_pool_id,
		       current_mode, last_heartbeat_at, registered_at, superseded_by
		FROM agents
		ORDER BY logical_id, generation`)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListAgents", "query failed", err)
	}
	defer rows.Close()

	items := []models.Agent{}
	for rows.Next() {
		var (
			a                  models.Agent
			status, mode       string
			heartbeat, regTime int64
		)
		if err := rows.Scan(&a.ID, &a.LogicalID, &a.Generation, &status, &a.Eligible, &a.Address,
			&a.CurrentPoolID, &mode, &heartbeat, &regTime, &a.SupersededBy); err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListAgents", "decode row", err)
		}
		a.Status = models.AgentStatus(status)
		a.CurrentMode = models.AgentMode(mode)
		a.LastHeartbeatAt = fromNanos(heartbeat)
		a.RegisteredAt = fromNanos(regTime)
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListAgents", "iterate rows", err)
	}
	return items, nil
}

func (s *sqlStore) UpsertSnapshot(ctx context.Context, snap models.PricingSnapshot) error {
	return s.exec(ctx, "store.UpsertSnapshot", `
		INSERT INTO snapshots (pool_id, bucket_start, count, mean_price, min_price, max_price,
			mean_counterpart, last_observed_at, interpolated, finalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pool_id, bucket_start) DO UPDATE
		SET count = EXCLUDED.count,
		    mean_price = EXCLUDED.mean_price,
		    min_price = EXCLUDED.min_price,
		    max_price = EXCLUDED.max_price,
		    mean_counterpart = EXCLUDED.mean_counterpart,
		    last_observed_at = EXCLUDED.last_observed_at,
		    interpolated = EXCLUDED.interpolated,
		    finalized = EXCLUDED.finalized`,
		snap.PoolID, toNanos(snap.BucketStart), snap.Count, snap.MeanPrice, snap.MinPrice, snap.MaxPrice,
		snap.MeanCounterpart, toNanos(snap.LastObservedAt), snap.Interpolated, snap.Finalized)
}

func (s *sqlStore) ListSnapshots(ctx context.Context, poolID string, from, to time.Time) ([]models.PricingSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT pool_id, bucket_start, count, mean_price, min_price, max_price,
		       mean_counterpart, last_observed_at, interpolated, finalized
		FROM snapshots
		WHERE pool_id = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start`), poolID, toNanos(from), toNanos(to))
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListSnapshots", "query failed", err)
	}
	defer rows.Close()

	items := []models.PricingSnapshot{}
	for rows.Next() {
		var (
			snap             models.PricingSnapshot
			bucket, observed int64
		)
		if err := rows.Scan(&snap.PoolID, &bucket, &snap.Count, &snap.MeanPrice, &snap.MinPrice, &snap.MaxPrice,
			&snap.MeanCounterpart, &observed, &snap.Interpolated, &snap.Finalized); err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListSnapshots", "decode row", err)
		}
		snap.BucketStart = fromNanos(bucket)
		snap.LastObservedAt = fromNanos(observed)
		items = append(items, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListSnapshots", "iterate rows", err)
	}
	return items, nil
}

func (s *sqlStore) UpsertCommand(ctx context.Context, cmd models.Command) error {
	health := ""
	if cmd.Health != nil {
		raw, err := json.Marshal(cmd.Health)
		if err != nil {
			return utils.NewAppError(utils.CodeInternal, "store.UpsertCommand", "encode health", err)
		}
		health = string(raw)
	}
	return s.exec(ctx, "store.UpsertCommand", `
		INSERT INTO commands (id, correlation_id, agent_id, agent_generation, kind, source_pool_id,
			target_pool_id, state, retry_count, reason, detail, progress, health,
			created_at, updated_at, ack_deadline, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    reason = EXCLUDED.reason,
		    detail = EXCLUDED.detail,
		    progress = EXCLUDED.progress,
		    health = EXCLUDED.health,
		    updated_at = EXCLUDED.updated_at,
		    ack_deadline = EXCLUDED.ack_deadline,
		    deadline = EXCLUDED.deadline`,
		cmd.ID, cmd.CorrelationID, cmd.AgentID, cmd.AgentGeneration, string(cmd.Kind), cmd.SourcePoolID,
		cmd.TargetPoolID, string(cmd.State), cmd.RetryCount, cmd.Reason, cmd.Detail, cmd.Progress, health,
		toNanos(cmd.CreatedAt), toNanos(cmd.UpdatedAt), toNanos(cmd.AckDeadline), toNanos(cmd.Deadline))
}

const commandColumns = `id, correlation_id, agent_id, agent_generation, kind, source_pool_id,
	target_pool_id, state, retry_count, reason, detail, progress, health,
	created_at, updated_at, ack_deadline, deadline`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (models.Command, error) {
	var (
		cmd                                  models.Command
		kind, state, health                  string
		created, updated, ackDeadline, final int64
	)
	if err := row.Scan(&cmd.ID, &cmd.CorrelationID, &cmd.AgentID, &cmd.AgentGeneration, &kind, &cmd.SourcePoolID,
		&cmd.TargetPoolID, &state, &cmd.RetryCount, &cmd.Reason, &cmd.Detail, &cmd.Progress, &health,
		&created, &updated, &ackDeadline, &final); err != nil {
		return models.Command{}, err
	}
	cmd.Kind = models.CommandKind(kind)
	cmd.State = models.CommandState(state)
	cmd.CreatedAt = fromNanos(created)
	cmd.UpdatedAt = fromNanos(updated)
	cmd.AckDeadline = fromNanos(ackDeadline)
	cmd.Deadline = fromNanos(final)
	if health != "" {
		cmd.Health = &models.HealthConfirmation{}
		if err := json.Unmarshal([]byte(health), cmd.Health); err != nil {
			return models.Command{}, err
		}
	}
	return cmd, nil
}

func (s *sqlStore) GetCommand(ctx context.Context, id string) (models.Command, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands WHERE id = ?`), id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Command{}, ErrNotFound
	}
	if err != nil {
		return models.Command{}, utils.NewAppError(utils.CodeInternal, "store.GetCommand", "decode row", err)
	}
	return cmd, nil
}

func (s *sqlStore) ListCommands(ctx context.Context, filter CommandFilter) ([]models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1 = 1`
	args := []any{}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, filter.CorrelationID)
	}
	query += ` ORDER BY created_at, retry_count`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListCommands", "query failed", err)
	}
	defer rows.Close()

	items := []models.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListCommands", "decode row", err)
		}
		if filter.matches(cmd) {
			items = append(items, cmd)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListCommands", "iterate rows", err)
	}
	return items, nil
}

func (s *sqlStore) InsertAssessment(ctx context.Context, a models.RiskAssessment) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return utils.NewAppError(utils.CodeInternal, "store.InsertAssessment", "encode features", err)
	}
	return s.exec(ctx, "store.InsertAssessment", `
		INSERT INTO assessments (agent_id, produced_at, pool_id, risk_score, model_version,
			feature_version, recommendation, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, produced_at) DO NOTHING`,
		a.AgentID, toNanos(a.ProducedAt), a.PoolID, a.RiskScore, a.ModelVersion,
		a.FeatureVersion, string(a.Recommendation), string(features))
}

func (s *sqlStore) ListAssessments(ctx context.Context, agentID string, limit int) ([]models.RiskAssessment, error) {
	query := `SELECT agent_id, produced_at, pool_id, risk_score, model_version, feature_version,
		recommendation, features FROM assessments`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY produced_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListAssessments", "query failed", err)
	}
	defer rows.Close()

	items := []models.RiskAssessment{}
	for rows.Next() {
		var (
			a                        models.RiskAssessment
			produced                 int64
			recommendation, features string
		)
		if err := rows.Scan(&a.AgentID, &produced, &a.PoolID, &a.RiskScore, &a.ModelVersion,
			&a.FeatureVersion, &recommendation, &features); err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListAssessments", "decode row", err)
		}
		if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListAssessments", "decode features", err)
		}
		a.ProducedAt = fromNanos(produced)
		a.Recommendation = models.Recommendation(recommendation)
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListAssessments", "iterate rows", err)
	}
	return items, nil
}

func (s *sqlStore) UpsertStandby(ctx context.Context, inst models.StandbyInstance) error {
	return s.exec(ctx, "store.UpsertStandby", `
		INSERT INTO standby_instances (id, agent_id, pool_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET pool_id = EXCLUDED.pool_id,
		    state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at`,
		inst.ID, inst.AgentID, inst.PoolID, string(inst.State), toNanos(inst.CreatedAt), toNanos(inst.UpdatedAt))
}

func (s *sqlStore) ListStandby(ctx context.Context) ([]models.StandbyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, pool_id, state, created_at, updated_at
		FROM standby_instances
		ORDER BY created_at`)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListStandby", "query failed", err)
	}
	defer rows.Close()

	items := []models.StandbyInstance{}
	for rows.Next() {
		var (
			inst             models.StandbyInstance
			state            string
			created, updated int64
		)
		if err := rows.Scan(&inst.ID, &inst.AgentID, &inst.PoolID, &state, &created, &updated); err != nil {
			return nil, utils.NewAppError(utils.CodeInternal, "store.ListStandby", "decode row", err)
		}
		inst.State = models.StandbyState(state)
		inst.CreatedAt = fromNanos(created)
		inst.UpdatedAt = fromNanos(updated)
		items = append(items, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "store.ListStandby", "iterate rows", err)
	}
	return items, nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
