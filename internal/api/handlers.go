package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/monitor"
	"github.com/driftline/spotwatch/internal/registry"
	"github.com/driftline/spotwatch/internal/services"
	"github.com/driftline/spotwatch/internal/telemetry"
	"github.com/driftline/spotwatch/internal/utils"
)

// Backend is the part of services.ControlPlane the API fronts.
type Backend interface {
	Register(ctx context.Context, d registry.Descriptor) (registry.Identity, error)
	Heartbeat(ctx context.Context, agentID string, state registry.State) (models.Agent, error)
	Deregister(ctx context.Context, agentID string) error
	GetAgent(agentID string) (models.Agent, error)
	ListAgents() []models.Agent
	SubmitReport(ctx context.Context, r models.PricingReport) (telemetry.Outcome, error)
	GetLatestSnapshot(ctx context.Context, poolID string) (models.PricingSnapshot, error)
	Series(ctx context.Context, poolID string, from, to time.Time) ([]models.SeriesPoint, error)
	ComputeFeatures(ctx context.Context, poolID string) (models.FeatureVector, error)
	Predict(ctx context.Context, poolID string) (services.Assessment, error)
	ActivateModel(version string) error
	Evaluate(ctx context.Context, agentID string) (monitor.Evaluation, error)
	MonitorStatus(agentID string) monitor.Status
	CreateCommand(ctx context.Context, req commands.Request) (models.Command, error)
	GetCommand(ctx context.Context, id string) (models.Command, error)
	CancelCommand(ctx context.Context, id, reason string) (models.Command, error)
	AcknowledgeCommand(ctx context.Context, id string, generation int64) (models.Command, error)
	ReportProgress(ctx context.Context, id string, generation int64, progress float64, detail string) (models.Command, error)
	ReportResult(ctx context.Context, res commands.Result) (models.Command, error)
	ReportSignal(ctx context.Context, sig models.InterruptionSignal) (monitor.Evaluation, error)
}

var _ Backend = (*services.ControlPlane)(nil)

// Handler adapts a Backend onto ControlPlaneServer.
type Handler struct {
	backend Backend
}

// NewHandler constructs the gRPC handler.
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

type registerRequest struct {
	LogicalID  string           `json:"logical_id"`
	Generation int64            `json:"generation"`
	Address    string           `json:"address"`
	PoolID     string           `json:"pool_id"`
	Mode       models.AgentMode `json:"mode"`
}

type identityResponse struct {
	AgentID    string `json:"agent_id"`
	LogicalID  string `json:"logical_id"`
	Generation int64  `json:"generation"`
	Superseded string `json:"superseded,omitempty"`
}

type heartbeatRequest struct {
	AgentID string           `json:"agent_id"`
	PoolID  string           `json:"pool_id"`
	Mode    models.AgentMode `json:"mode"`
	Healthy bool             `json:"healthy"`
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

type poolRequest struct {
	PoolID string `json:"pool_id"`
}

type seriesRequest struct {
	PoolID string    `json:"pool_id"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

type modelRequest struct {
	ModelVersion string `json:"model_version"`
}

type commandRequest struct {
	CommandID  string  `json:"command_id"`
	Generation int64   `json:"generation"`
	Reason     string  `json:"reason"`
	Progress   float64 `json:"progress"`
	Detail     string  `json:"detail"`
}

func (h *Handler) Register(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct[registerRequest](request)
	if err != nil {
		return nil, err
	}
	id, err := h.backend.Register(ctx, registry.Descriptor{
		LogicalID:  req.LogicalID,
		Generation: req.Generation,
		Address:    req.Address,
		PoolID:     req.PoolID,
		Mode:       req.Mode,
	})
	if err != nil {
		return nil, err
	}
	return toStruct(identityResponse{AgentID: id.AgentID, LogicalID: id.LogicalID, Generation: id.Generation, Superseded: id.Superseded})
}

func (h *Handler) Heartbeat(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct[heartbeatRequest](request)
	if err != nil {
		return nil, err
	}
	if err := required("agent_id", req.AgentID); err != nil {
		return nil, err
	}
	agent, err := h.backend.Heartbeat(ctx, req.AgentID, registry.State{PoolID: req.PoolID, Mode: req.Mode, Healthy: req.Healthy})
	if err != nil {
		return nil, err
	}
	return toStruct(agent)
}

func (h *Handler) Deregister(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeAgentRequest(request)
	if err != nil {
		return nil, err
	}
	if err := h.backend.Deregister(ctx, req.AgentID); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *Handler) GetAgent(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeAgentRequest(request)
	if err != nil {
		return nil, err
	}
	agent, err := h.backend.GetAgent(req.AgentID)
	if err != nil {
		return nil, err
	}
	return toStruct(agent)
}

func (h *Handler) ListAgents(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"agents": h.backend.ListAgents()})
}

func (h *Handler) SubmitReport(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	report, err := decodeStruct[models.PricingReport](request)
	if err != nil {
		return nil, err
	}
	outcome, err := h.backend.SubmitReport(ctx, report)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"outcome": outcome})
}

func (h *Handler) GetLatestSnapshot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodePoolRequest(request)
	if err != nil {
		return nil, err
	}
	snap, err := h.backend.GetLatestSnapshot(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	return toStruct(snap)
}

func (h *Handler) GetSeries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct[seriesRequest](request)
	if err != nil {
		return nil, err
	}
	if err := required("pool_id", req.PoolID); err != nil {
		return nil, err
	}
	if req.From.IsZero() || req.To.Before(req.From) {
		return nil, utils.NewAppError(utils.CodeValidation, "api.GetSeries", "from and to must form a non-empty range", nil)
	}
	points, err := h.backend.Series(ctx, req.PoolID, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"points": points})
}

func (h *Handler) ComputeFeatures(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodePoolRequest(request)
	if err != nil {
		return nil, err
	}
	fv, err := h.backend.ComputeFeatures(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	return toStruct(fv)
}

func (h *Handler) Predict(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodePoolRequest(request)
	if err != nil {
		return nil, err
	}
	assessment, err := h.backend.Predict(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	return toStruct(assessment)
}

func (h *Handler) ActivateModel(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct[modelRequest](request)
	if err != nil {
		return nil, err
	}
	if err := required("model_version", req.ModelVersion); err != nil {
		return nil, err
	}
	if err := h.backend.ActivateModel(req.ModelVersion); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"model_version": req.ModelVersion})
}

func (h *Handler) Evaluate(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeAgentRequest(request)
	if err != nil {
		return nil, err
	}
	ev, err := h.backend.Evaluate(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return toStruct(ev)
}

func (h *Handler) GetMonitorStatus(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeAgentRequest(request)
	if err != nil {
		return nil, err
	}
	return toStruct(h.backend.MonitorStatus(req.AgentID))
}

func (h *Handler) CreateCommand(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct[commands.Request](request)
	if err != nil {
		return nil, err
	}
	cmd, err := h.backend.CreateCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) GetCommand(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCommandRequest(request)
	if err != nil {
		return nil, err
	}
	cmd, err := h.backend.GetCommand(ctx, req.CommandID)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) CancelCommand(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCommandRequest(request)
	if err != nil {
		return nil, err
	}
	cmd, err := h.backend.CancelCommand(ctx, req.CommandID, req.Reason)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) AcknowledgeCommand(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCommandRequest(request)
	if err != nil {
		return nil, err
	}
	cmd, err := h.backend.AcknowledgeCommand(ctx, req.CommandID, req.Generation)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) ReportProgress(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCommandRequest(request)
	if err != nil {
		return nil, err
	}
	cmd, err := h.backend.ReportProgress(ctx, req.CommandID, req.Generation, req.Progress, req.Detail)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) ReportResult(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	res, err := decodeStruct[commands.Result](request)
	if err != nil {
		return nil, err
	}
	if err := required("command_id", res.CommandID); err != nil {
		return nil, err
	}
	cmd, err := h.backend.ReportResult(ctx, res)
	if err != nil {
		return nil, err
	}
	return toStruct(cmd)
}

func (h *Handler) ReportSignal(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	sig, err := decodeStruct[models.InterruptionSignal](request)
	if err != nil {
		return nil, err
	}
	ev, err := h.backend.ReportSignal(ctx, sig)
	if err != nil {
		return nil, err
	}
	return toStruct(ev)
}

func decodeAgentRequest(request *structpb.Struct) (agentRequest, error) {
	req, err := decodeStruct[agentRequest](request)
	if err != nil {
		return req, err
	}
	return req, required("agent_id", req.AgentID)
}

func decodePoolRequest(request *structpb.Struct) (poolRequest, error) {
	req, err := decodeStruct[poolRequest](request)
	if err != nil {
		return req, err
	}
	return req, required("pool_id", req.PoolID)
}

func decodeCommandRequest(request *structpb.Struct) (commandRequest, error) {
	req, err := decodeStruct[commandRequest](request)
	if err != nil {
		return req, err
	}
	return req, required("command_id", req.CommandID)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return utils.NewAppError(utils.CodeValidation, "api", field+" is required", nil)
	}
	return nil
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "api", "failed to encode response", err)
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "api", "failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInternal, "api", "failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	if input == nil {
		return out, nil
	}
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, utils.NewAppError(utils.CodeValidation, "api", "request payload could not be encoded", err)
	}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return out, utils.NewAppError(utils.CodeValidation, "api", "request payload shape is invalid", err)
	}
	return out, nil
}
