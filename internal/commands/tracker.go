// Package commands drives migration commands through their lifecycle and
// guarantees at most one non-terminal command per agent.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/metrics"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/store"
	"github.com/driftline/spotwatch/internal/transport"
	"github.com/driftline/spotwatch/internal/utils"
)

var (
	ErrCommandOutstanding = &utils.AppError{Code: utils.CodeConflict, Op: "commands", Msg: "agent already has a non-terminal command"}
	ErrCommandQueued      = &utils.AppError{Code: utils.CodeConflict, Op: "commands", Msg: "request queued behind the outstanding command"}
	ErrHealthUnconfirmed  = &utils.AppError{Code: utils.CodeFailedPrecondition, Op: "commands", Msg: "completion requires boot and health check confirmation"}
	ErrStaleGeneration    = &utils.AppError{Code: utils.CodeConflict, Op: "commands", Msg: "callback from a stale agent generation"}
	ErrCommandNotFound    = &utils.AppError{Code: utils.CodeNotFound, Op: "commands", Msg: "command not found"}
	ErrInvalidTransition  = &utils.AppError{Code: utils.CodeConflict, Op: "commands", Msg: "transition not allowed from the current state"}
	ErrInvalidRequest     = &utils.AppError{Code: utils.CodeValidation, Op: "commands", Msg: "invalid command request"}
)

// Policy decides what happens to a request while a command is outstanding.
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyQueue  Policy = "queue"
)

// Request asks for a new command.
type Request struct {
	AgentID         string             `json:"agent_id"`
	AgentGeneration int64              `json:"agent_generation"`
	Kind            models.CommandKind `json:"kind"`
	SourcePoolID    string             `json:"source_pool_id,omitempty"`
	TargetPoolID    string             `json:"target_pool_id,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

// Result is the agent's terminal report for a command.
type Result struct {
	CommandID  string                     `json:"command_id"`
	Generation int64                      `json:"generation"`
	Success    bool                       `json:"success"`
	Detail     string                     `json:"detail,omitempty"`
	Health     *models.HealthConfirmation `json:"health,omitempty"`
}

// EscalationFunc receives the last attempt once the retry budget is spent.
type EscalationFunc func(ctx context.Context, last models.Command)

// CompletionFunc receives every completed command.
type CompletionFunc func(ctx context.Context, cmd models.Command)

// Options bundles the collaborators of a Tracker.
type Options struct {
	Store     store.Store
	Transport transport.AgentTransport
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Tracker owns every live command.
type Tracker struct {
	cfg       config.CommandsConfig
	policy    Policy
	store     store.Store
	transport transport.AgentTransport
	clock     clock.Clock
	logger    *slog.Logger
	baseCtx   context.Context

	mu     sync.Mutex
	slots  map[string]*slot
	owners map[string]string

	hooksMu    sync.RWMutex
	onEscalate []EscalationFunc
	onComplete []CompletionFunc
}

// slot serializes transitions for one agent.
type slot struct {
	mu       sync.Mutex
	current  *attempt
	retrying bool
	retryOf  models.Command
	retry    *clock.Timer
	queued   *Request
}

func (s *slot) busy() bool { return s.current != nil || s.retrying }

func (s *slot) outstandingID() string {
	if s.current != nil {
		return s.current.cmd.ID
	}
	return s.retryOf.ID
}

type attempt struct {
	cmd          models.Command
	dispatchedAt time.Time
	ackTimer     *clock.Timer
	deadline     *clock.Timer
}

func (a *attempt) stopTimers() {
	a.ackTimer.Stop()
	a.deadline.Stop()
}

// followUp is the work a terminal transition leaves for after the slot unlocks.
type followUp struct {
	agentID     string
	escalate    *models.Command
	completed   *models.Command
	startQueued bool
}

// New constructs a Tracker.
func New(cfg config.CommandsConfig, opts Options) *Tracker {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	policy := Policy(cfg.Policy)
	if policy != PolicyQueue {
		policy = PolicyReject
	}
	return &Tracker{
		cfg:       cfg,
		policy:    policy,
		store:     opts.Store,
		transport: opts.Transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		baseCtx:   context.Background(),
		slots:     make(map[string]*slot),
		owners:    make(map[string]string),
	}
}

// OnEscalate registers a delivery-failure hook.
func (t *Tracker) OnEscalate(fn EscalationFunc) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.onEscalate = append(t.onEscalate, fn)
}

// OnComplete registers a completion listener.
func (t *Tracker) OnComplete(fn CompletionFunc) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.onComplete = append(t.onComplete, fn)
}

// Create issues a command and dispatches it immediately. While another
// command for the agent is outstanding the request is rejected with
// ErrCommandOutstanding or, under the queue policy, parked with ErrCommandQueued.
func (t *Tracker) Create(ctx context.Context, req Request) (models.Command, error) {
	if err := validateRequest(req); err != nil {
		return models.Command{}, err
	}
	s := t.slot(req.AgentID)

	s.mu.Lock()
	if s.busy() {
		outstanding := s.outstandingID()
		if t.policy == PolicyQueue {
			queued := req
			s.queued = &queued
			s.mu.Unlock()
			t.logger.Info("command request queued",
				slog.String("agent_id", req.AgentID),
				slog.String("kind", string(req.Kind)),
				slog.String("outstanding_id", outstanding))
			return models.Command{}, utils.NewAppError(utils.CodeConflict, "commands.Create", "queued behind "+outstanding, ErrCommandQueued)
		}
		s.mu.Unlock()
		return models.Command{}, utils.NewAppError(utils.CodeConflict, "commands.Create",
			"agent "+req.AgentID+" has outstanding command "+outstanding, ErrCommandOutstanding)
	}
	cmd := t.beginLocked(ctx, s, t.newCommand(req, "", 0))
	s.mu.Unlock()

	t.logger.Info("command created",
		slog.String("command_id", cmd.ID),
		slog.String("agent_id", cmd.AgentID),
		slog.String("kind", string(cmd.Kind)),
		slog.String("target_pool_id", cmd.TargetPoolID))
	return t.dispatch(ctx, s, cmd), nil
}

// Get returns a command by id.
func (t *Tracker) Get(ctx context.Context, id string) (models.Command, error) {
	t.mu.Lock()
	agentID, live := t.owners[id]
	t.mu.Unlock()
	if live {
		s := t.slot(agentID)
		s.mu.Lock()
		if s.current != nil && s.current.cmd.ID == id {
			cmd := s.current.cmd
			s.mu.Unlock()
			return cmd, nil
		}
		s.mu.Unlock()
	}
	cmd, err := t.store.GetCommand(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Command{}, utils.NewAppError(utils.CodeNotFound, "commands.Get", "command "+id, ErrCommandNotFound)
	}
	return cmd, err
}

// List returns persisted commands matching filter.
func (t *Tracker) List(ctx context.Context, filter store.CommandFilter) ([]models.Command, error) {
	return t.store.ListCommands(ctx, filter)
}

// Outstanding reports the agent's non-terminal command, or the last attempt
// while a retry is pending.
func (t *Tracker) Outstanding(agentID string) (models.Command, bool) {
	s := t.slot(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current.cmd, true
	}
	if s.retrying {
		return s.retryOf, true
	}
	return models.Command{}, false
}

// Acknowledge records the agent's ack. Repeated acks are no-ops.
func (t *Tracker) Acknowledge(ctx context.Context, id string, generation int64) (models.Command, error) {
	s, a, err := t.live(ctx, id, generation, "commands.Acknowledge")
	if err != nil {
		return models.Command{}, err
	}
	defer s.mu.Unlock()
	if a.cmd.State == models.CommandDispatched {
		t.acknowledgeLocked(ctx, a)
	}
	return a.cmd, nil
}

// ReportProgress moves the command to Executing. Progress before an ack
// implies the ack.
func (t *Tracker) ReportProgress(ctx context.Context, id string, generation int64, progress float64, detail string) (models.Command, error) {
	s, a, err := t.live(ctx, id, generation, "commands.ReportProgress")
	if err != nil {
		return models.Command{}, err
	}
	defer s.mu.Unlock()

	if a.cmd.State == models.CommandDispatched {
		t.acknowledgeLocked(ctx, a)
	}
	a.cmd.Progress = clampProgress(progress)
	if detail != "" {
		a.cmd.Detail = detail
	}
	if a.cmd.State == models.CommandAcknowledged {
		t.transitionLocked(ctx, a, models.CommandExecuting)
	} else {
		a.cmd.UpdatedAt = t.clock.Now()
		t.persist(ctx, a.cmd)
	}
	return a.cmd, nil
}

// ReportResult applies the agent's terminal report. Success is only accepted
// with a confirmed HealthConfirmation.
func (t *Tracker) ReportResult(ctx context.Context, res Result) (models.Command, error) {
	if res.Success && !res.Health.Confirmed() {
		return models.Command{}, utils.NewAppError(utils.CodeFailedPrecondition, "commands.ReportResult",
			"command "+res.CommandID+" reported success without health confirmation", ErrHealthUnconfirmed)
	}
	s, a, err := t.live(ctx, res.CommandID, res.Generation, "commands.ReportResult")
	if err != nil {
		return models.Command{}, err
	}

	if res.Detail != "" {
		a.cmd.Detail = res.Detail
	}
	var f followUp
	if res.Success {
		a.cmd.Health = res.Health
		a.cmd.Progress = 1
		f = t.finishLocked(ctx, s, a, models.CommandCompleted, "")
	} else {
		f = t.finishLocked(ctx, s, a, models.CommandFailed, "agent reported failure")
	}
	cmd := a.cmd
	s.mu.Unlock()

	t.afterTerminal(f)
	return cmd, nil
}

// Cancel stops a live command, or a pending retry of id. Cancelled commands
// are not retried.
func (t *Tracker) Cancel(ctx context.Context, id, reason string) (models.Command, error) {
	if reason == "" {
		reason = "cancelled"
	}
	cmd, err := t.Get(ctx, id)
	if err != nil {
		return models.Command{}, err
	}
	s := t.slot(cmd.AgentID)
	s.mu.Lock()
	switch {
	case s.current != nil && s.current.cmd.ID == id:
		a := s.current
		f := t.finishLocked(ctx, s, a, models.CommandCancelled, reason)
		out := a.cmd
		s.mu.Unlock()
		t.afterTerminal(f)
		return out, nil
	case s.retrying && s.retryOf.ID == id:
		t.stopRetryLocked(s)
		s.mu.Unlock()
		t.logger.Info("command retry cancelled", slog.String("command_id", id), slog.String("reason", reason))
		t.afterTerminal(followUp{agentID: cmd.AgentID, startQueued: true})
		return cmd, nil
	default:
		s.mu.Unlock()
		return models.Command{}, utils.NewAppError(utils.CodeConflict, "commands.Cancel",
			"command "+id+" is "+string(cmd.State), ErrInvalidTransition)
	}
}

// CancelAgent drops everything outstanding for a retired agent generation.
// Its signature matches the registry's supersede hook.
func (t *Tracker) CancelAgent(ctx context.Context, agent models.Agent, reason string) {
	s := t.slot(agent.ID)
	s.mu.Lock()
	s.queued = nil
	if s.retrying {
		t.stopRetryLocked(s)
	}
	var f followUp
	cancelled := ""
	if s.current != nil {
		cancelled = s.current.cmd.ID
		f = t.finishLocked(ctx, s, s.current, models.CommandCancelled, "agent "+reason)
	}
	s.mu.Unlock()

	if cancelled != "" {
		t.logger.Info("command cancelled for retired agent",
			slog.String("agent_id", agent.ID),
			slog.String("command_id", cancelled),
			slog.String("reason", reason))
	}
	t.afterTerminal(f)
}

// Restore reloads non-terminal commands and re-arms their deadlines.
func (t *Tracker) Restore(ctx context.Context) error {
	cmds, err := t.store.ListCommands(ctx, store.CommandFilter{NonTerminal: true})
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		s := t.slot(cmd.AgentID)
		s.mu.Lock()
		if s.current != nil {
			cmd.State = models.CommandCancelled
			cmd.Reason = "superseded by " + s.current.cmd.ID + " on restore"
			cmd.UpdatedAt = t.clock.Now()
			t.persist(ctx, cmd)
			s.mu.Unlock()
			continue
		}
		a := &attempt{cmd: cmd, dispatchedAt: cmd.UpdatedAt}
		s.current = a
		t.armLocked(s, a)
		t.mu.Lock()
		t.owners[cmd.ID] = cmd.AgentID
		t.mu.Unlock()
		s.mu.Unlock()
	}
	if len(cmds) > 0 {
		t.logger.Info("restored outstanding commands", slog.Int("count", len(cmds)))
	}
	return nil
}

func (t *Tracker) slot(agentID string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[agentID]
	if !ok {
		s = &slot{}
		t.slots[agentID] = s
	}
	return s
}

// live returns the slot locked and the attempt for a non-terminal command.
func (t *Tracker) live(ctx context.Context, id string, generation int64, op string) (*slot, *attempt, error) {
	t.mu.Lock()
	agentID, ok := t.owners[id]
	t.mu.Unlock()
	if ok {
		s := t.slot(agentID)
		s.mu.Lock()
		if a := s.current; a != nil && a.cmd.ID == id {
			if generation != 0 && generation != a.cmd.AgentGeneration {
				s.mu.Unlock()
				return nil, nil, utils.NewAppError(utils.CodeConflict, op,
					fmt.Sprintf("command %s belongs to generation %d, got %d", id, a.cmd.AgentGeneration, generation), ErrStaleGeneration)
			}
			return s, a, nil
		}
		s.mu.Unlock()
	}

	cmd, err := t.store.GetCommand(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, utils.NewAppError(utils.CodeNotFound, op, "command "+id, ErrCommandNotFound)
		}
		return nil, nil, err
	}
	return nil, nil, utils.NewAppError(utils.CodeConflict, op, "command "+id+" is "+string(cmd.State), ErrInvalidTransition)
}

func (t *Tracker) newCommand(req Request, correlationID string, retryCount int) models.Command {
	now := t.clock.Now()
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return models.Command{
		ID:              id,
		CorrelationID:   correlationID,
		AgentID:         req.AgentID,
		AgentGeneration: req.AgentGeneration,
		Kind:            req.Kind,
		SourcePoolID:    req.SourcePoolID,
		TargetPoolID:    req.TargetPoolID,
		State:           models.CommandCreated,
		RetryCount:      retryCount,
		Reason:          req.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
		AckDeadline:     now.Add(t.cfg.AckDeadline),
		Deadline:        now.Add(t.cfg.Deadline),
	}
}

// beginLocked records a Created command, marks it Dispatched and arms its deadlines.
func (t *Tracker) beginLocked(ctx context.Context, s *slot, cmd models.Command) models.Command {
	t.persist(ctx, cmd)
	metrics.CommandTransition(string(cmd.Kind), string(cmd.State))

	a := &attempt{cmd: cmd, dispatchedAt: t.clock.Now()}
	s.current = a
	t.transitionLocked(ctx, a, models.CommandDispatched)
	t.armLocked(s, a)

	t.mu.Lock()
	t.owners[cmd.ID] = cmd.AgentID
	t.mu.Unlock()
	return a.cmd
}

// dispatch sends cmd without holding the slot. A transport error leaves the
// command Dispatched so the ack deadline decides its fate.
func (t *Tracker) dispatch(ctx context.Context, s *slot, cmd models.Command) models.Command {
	if t.transport == nil {
		return cmd
	}
	ack, err := t.transport.Send(ctx, cmd)
	if err != nil {
		t.logger.Warn("command delivery failed, waiting for ack deadline",
			slog.String("command_id", cmd.ID),
			slog.String("agent_id", cmd.AgentID),
			slog.Any("error", err))
		return cmd
	}

	s.mu.Lock()
	a := s.current
	if a == nil || a.cmd.ID != cmd.ID {
		s.mu.Unlock()
		return cmd
	}
	if a.cmd.State != models.CommandDispatched || !(ack.Accepted || ack.Rejected) {
		out := a.cmd
		s.mu.Unlock()
		return out
	}
	if ack.Accepted {
		t.acknowledgeLocked(ctx, a)
		out := a.cmd
		s.mu.Unlock()
		return out
	}
	a.cmd.Detail = ack.Reason
	f := t.finishLocked(ctx, s, a, models.CommandFailed, "rejected by agent")
	out := a.cmd
	s.mu.Unlock()
	t.afterTerminal(f)
	return out
}

func (t *Tracker) armLocked(s *slot, a *attempt) {
	id := a.cmd.ID
	now := t.clock.Now()
	a.ackTimer = t.clock.AfterFunc(positive(a.cmd.AckDeadline.Sub(now)), func() {
		t.expire(s, id, true)
	})
	a.deadline = t.clock.AfterFunc(positive(a.cmd.Deadline.Sub(now)), func() {
		t.expire(s, id, false)
	})
}

func (t *Tracker) expire(s *slot, id string, ackDeadline bool) {
	s.mu.Lock()
	a := s.current
	if a == nil || a.cmd.ID != id || (ackDeadline && a.cmd.State != models.CommandDispatched) {
		s.mu.Unlock()
		return
	}
	reason := "overall deadline exceeded"
	if ackDeadline {
		reason = "ack deadline exceeded"
	}
	f := t.finishLocked(t.baseCtx, s, a, models.CommandTimedOut, reason)
	cmd := a.cmd
	s.mu.Unlock()

	t.logger.Warn("command timed out",
		slog.String("command_id", cmd.ID),
		slog.String("correlation_id", cmd.CorrelationID),
		slog.String("agent_id", cmd.AgentID),
		slog.Int("retry_count", cmd.RetryCount),
		slog.String("reason", reason))
	t.afterTerminal(f)
}

func (t *Tracker) acknowledgeLocked(ctx context.Context, a *attempt) {
	a.ackTimer.Stop()
	metrics.ObserveAck(t.clock.Now().Sub(a.dispatchedAt))
	t.transitionLocked(ctx, a, models.CommandAcknowledged)
}

func (t *Tracker) transitionLocked(ctx context.Context, a *attempt, to models.CommandState) {
	from := a.cmd.State
	a.cmd.State = to
	a.cmd.UpdatedAt = t.clock.Now()
	t.persist(ctx, a.cmd)
	metrics.CommandTransition(string(a.cmd.Kind), string(to))
	t.logger.Debug("command transition",
		slog.String("command_id", a.cmd.ID),
		slog.String("agent_id", a.cmd.AgentID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// finishLocked moves a to a terminal state, frees the slot and decides the
// follow-up: a scheduled retry, an escalation, or starting a queued request.
func (t *Tracker) finishLocked(ctx context.Context, s *slot, a *attempt, to models.CommandState, reason string) followUp {
	a.stopTimers()
	if reason != "" {
		a.cmd.Reason = reason
	}
	t.transitionLocked(ctx, a, to)
	s.current = nil
	t.mu.Lock()
	delete(t.owners, a.cmd.ID)
	t.mu.Unlock()

	f := followUp{agentID: a.cmd.AgentID}
	switch to {
	case models.CommandCompleted:
		cmd := a.cmd
		f.completed = &cmd
		f.startQueued = true
	case models.CommandCancelled:
		f.startQueued = true
	case models.CommandFailed, models.CommandTimedOut:
		if a.cmd.RetryCount < t.cfg.MaxRetries {
			prev := a.cmd
			s.retrying = true
			s.retryOf = prev
			s.retry = t.clock.AfterFunc(positive(t.cfg.RetryBackoff), func() { t.retry(s, prev.ID) })
			return f
		}
		cmd := a.cmd
		f.escalate = &cmd
		f.startQueued = true
	}
	return f
}

func (t *Tracker) retry(s *slot, prevID string) {
	s.mu.Lock()
	if !s.retrying || s.retryOf.ID != prevID {
		s.mu.Unlock()
		return
	}
	prev := s.retryOf
	s.retrying = false
	s.retryOf = models.Command{}
	s.retry = nil

	req := Request{
		AgentID:         prev.AgentID,
		AgentGeneration: prev.AgentGeneration,
		Kind:            prev.Kind,
		SourcePoolID:    prev.SourcePoolID,
		TargetPoolID:    prev.TargetPoolID,
		Reason:          prev.Reason,
	}
	cmd := t.beginLocked(t.baseCtx, s, t.newCommand(req, prev.CorrelationID, prev.RetryCount+1))
	s.mu.Unlock()

	t.logger.Info("command retried",
		slog.String("command_id", cmd.ID),
		slog.String("previous_id", prev.ID),
		slog.String("correlation_id", cmd.CorrelationID),
		slog.Int("retry_count", cmd.RetryCount))
	t.dispatch(t.baseCtx, s, cmd)
}

func (t *Tracker) stopRetryLocked(s *slot) {
	s.retry.Stop()
	s.retrying = false
	s.retryOf = models.Command{}
	s.retry = nil
}

// afterTerminal runs hooks and starts a queued request. The slot must not be held.
func (t *Tracker) afterTerminal(f followUp) {
	ctx := t.baseCtx
	t.hooksMu.RLock()
	completions := append([]CompletionFunc(nil), t.onComplete...)
	escalations := append([]EscalationFunc(nil), t.onEscalate...)
	t.hooksMu.RUnlock()

	if f.completed != nil {
		for _, fn := range completions {
			fn(ctx, *f.completed)
		}
	}
	if f.escalate != nil {
		metrics.Escalation("delivery_failure")
		t.logger.Error("command retries exhausted, escalating delivery failure",
			slog.String("agent_id", f.escalate.AgentID),
			slog.String("correlation_id", f.escalate.CorrelationID),
			slog.Int("retry_count", f.escalate.RetryCount),
			slog.String("reason", f.escalate.Reason))
		for _, fn := range escalations {
			fn(ctx, *f.escalate)
		}
	}
	if !f.startQueued || f.agentID == "" {
		return
	}

	s := t.slot(f.agentID)
	s.mu.Lock()
	if s.busy() || s.queued == nil {
		s.mu.Unlock()
		return
	}
	req := *s.queued
	s.queued = nil
	cmd := t.beginLocked(ctx, s, t.newCommand(req, "", 0))
	s.mu.Unlock()

	t.logger.Info("queued command started",
		slog.String("command_id", cmd.ID),
		slog.String("agent_id", cmd.AgentID),
		slog.String("kind", string(cmd.Kind)))
	t.dispatch(ctx, s, cmd)
}

func (t *Tracker) persist(ctx context.Context, cmd models.Command) {
	if err := t.store.UpsertCommand(ctx, cmd); err != nil {
		t.logger.Error("persist command failed",
			slog.String("command_id", cmd.ID),
			slog.String("state", string(cmd.State)),
			slog.Any("error", err))
	}
}

func validateRequest(req Request) error {
	var problem string
	switch {
	case req.AgentID == "":
		problem = "agent_id is required"
	case req.Kind == models.CommandSwitchPool || req.Kind == models.CommandRollback:
		if req.TargetPoolID == "" {
			problem = string(req.Kind) + " requires target_pool_id"
		}
	case req.Kind == models.CommandFailoverToStandby:
	default:
		problem = fmt.Sprintf("unknown command kind %q", req.Kind)
	}
	if problem != "" {
		return utils.NewAppError(utils.CodeValidation, "commands.Create", problem, ErrInvalidRequest)
	}
	return nil
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// positive keeps timers strictly in the future so callbacks never run inline
// while a slot is held.
func positive(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
