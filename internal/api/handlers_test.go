package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/driftline/spotwatch/internal/commands"
	"github.com/driftline/spotwatch/internal/config"
	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/registry"
	"github.com/driftline/spotwatch/internal/telemetry"
	"github.com/driftline/spotwatch/internal/utils"
)

// stubBackend overrides the calls a test exercises; anything else panics
// through the nil embedded interface.
type stubBackend struct {
	Backend

	registered registry.Descriptor
	report     models.PricingReport
	request    commands.Request
	gate       *telemetry.Gate
	err        error
}

func (s *stubBackend) Register(_ context.Context, d registry.Descriptor) (registry.Identity, error) {
	s.registered = d
	if s.err != nil {
		return registry.Identity{}, s.err
	}
	return registry.Identity{AgentID: "agent-1", LogicalID: d.LogicalID, Generation: d.Generation}, nil
}

func (s *stubBackend) SubmitReport(_ context.Context, r models.PricingReport) (telemetry.Outcome, error) {
	s.report = r
	return telemetry.OutcomeDuplicate, s.err
}

func (s *stubBackend) CreateCommand(_ context.Context, req commands.Request) (models.Command, error) {
	s.request = req
	if s.err != nil {
		return models.Command{}, s.err
	}
	return models.Command{ID: "cmd-1", AgentID: req.AgentID, Kind: req.Kind, TargetPoolID: req.TargetPoolID, State: models.CommandDispatched}, nil
}

func (s *stubBackend) GetLatestSnapshot(context.Context, string) (models.PricingSnapshot, error) {
	return models.PricingSnapshot{}, s.err
}

func (s *stubBackend) Series(ctx context.Context, poolID string, from, to time.Time) ([]models.SeriesPoint, error) {
	return s.gate.Series(ctx, poolID, from, to)
}

func startServer(t *testing.T, backend Backend) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(config.ServerConfig{Reflection: true}, lis, NewHandler(backend), utils.DiscardLogger())
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, payload map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := new(structpb.Struct)
	err = conn.Invoke(ctx, FullMethod(method), req, resp)
	return resp, err
}

func TestRegisterRoundTrip(t *testing.T) {
	backend := &stubBackend{}
	conn := startServer(t, backend)

	resp, err := invoke(t, conn, "Register", map[string]any{
		"logical_id": "node-1",
		"generation": 3,
		"pool_id":    "p1",
		"address":    "http://10.0.0.5:8081",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if backend.registered.LogicalID != "node-1" || backend.registered.Generation != 3 || backend.registered.PoolID != "p1" {
		t.Fatalf("unexpected descriptor %+v", backend.registered)
	}
	if got := resp.GetFields()["agent_id"].GetStringValue(); got != "agent-1" {
		t.Fatalf("unexpected agent id %q", got)
	}
	if got := resp.GetFields()["generation"].GetNumberValue(); got != 3 {
		t.Fatalf("unexpected generation %v", got)
	}
}

func TestSubmitReportDecodesTimestamps(t *testing.T) {
	backend := &stubBackend{}
	conn := startServer(t, backend)

	resp, err := invoke(t, conn, "SubmitReport", map[string]any{
		"agent_id":          "agent-1",
		"pool_id":           "p1",
		"price":             0.031,
		"counterpart_price": 0.1,
		"observed_at":       "2026-03-02T10:00:10Z",
		"sequence_no":       7,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := time.Date(2026, 3, 2, 10, 0, 10, 0, time.UTC)
	if !backend.report.ObservedAt.Equal(want) || backend.report.SequenceNo != 7 || backend.report.Price != 0.031 {
		t.Fatalf("unexpected report %+v", backend.report)
	}
	if got := resp.GetFields()["outcome"].GetStringValue(); got != string(telemetry.OutcomeDuplicate) {
		t.Fatalf("unexpected outcome %q", got)
	}
}

func TestDomainErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   codes.Code
		reason utils.Code
	}{
		{"outstanding", utils.NewAppError(utils.CodeConflict, "commands.Create", "busy", nil), codes.AlreadyExists, utils.CodeConflict},
		{"offline", utils.NewAppError(utils.CodeAgentOffline, "registry", "gone", nil), codes.Unavailable, utils.CodeAgentOffline},
		{"validation", &telemetry.ValidationError{Reason: telemetry.ReasonPriceNotPositive}, codes.InvalidArgument, utils.CodeValidation},
		{"plain", errors.New("boom"), codes.Internal, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &stubBackend{err: tc.err}
			conn := startServer(t, backend)
			_, err := invoke(t, conn, "CreateCommand", map[string]any{"agent_id": "a1", "kind": "switch_pool", "target_pool_id": "p2"})
			if status.Code(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if got := ReasonOf(err); got != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, got)
			}
		})
	}
}

func TestMissingPoolIDIsInvalidArgument(t *testing.T) {
	conn := startServer(t, &stubBackend{})
	_, err := invoke(t, conn, "GetLatestSnapshot", map[string]any{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGetSeriesRejectsOversizedRange(t *testing.T) {
	gate := telemetry.New(config.TelemetryConfig{
		BucketWidth:          5 * time.Minute,
		InterpolationHorizon: 15 * time.Minute,
		MaxSeriesBuckets:     100,
	}, telemetry.Options{Logger: utils.DiscardLogger()})
	conn := startServer(t, &stubBackend{gate: gate})

	_, err := invoke(t, conn, "GetSeries", map[string]any{
		"pool_id": "p1",
		"from":    "1970-01-01T00:00:00Z",
		"to":      "2026-03-02T10:00:00Z",
	})
	if status.Code(err) != codes.InvalidArgument || ReasonOf(err) != utils.CodeValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}

	resp, err := invoke(t, conn, "GetSeries", map[string]any{
		"pool_id": "p1",
		"from":    "2026-03-02T10:00:00Z",
		"to":      "2026-03-02T10:20:00Z",
	})
	if err != nil {
		t.Fatalf("bounded range: %v", err)
	}
	if got := len(resp.GetFields()["points"].GetListValue().GetValues()); got != 5 {
		t.Fatalf("points = %d, want 5", got)
	}
}

func TestHorizonExceededIsOutOfRange(t *testing.T) {
	backend := &stubBackend{err: telemetry.ErrSnapshotMissing}
	conn := startServer(t, backend)
	_, err := invoke(t, conn, "GetLatestSnapshot", map[string]any{"pool_id": "p1"})
	if status.Code(err) != codes.OutOfRange {
		t.Fatalf("expected out of range, got %v", err)
	}
	if ReasonOf(err) != utils.CodeInterpolationHorizonExceeded {
		t.Fatalf("unexpected reason %q", ReasonOf(err))
	}
}

func TestPanicIsRecovered(t *testing.T) {
	conn := startServer(t, &stubBackend{})
	// Heartbeat is not overridden, so the nil embedded Backend panics.
	_, err := invoke(t, conn, "Heartbeat", map[string]any{"agent_id": "a1"})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected internal, got %v", err)
	}
}

func TestHealthServing(t *testing.T) {
	conn := startServer(t, &stubBackend{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %s", resp.GetStatus())
	}
}

func TestStatusCodeDefaultsToInternal(t *testing.T) {
	if StatusCode(utils.Code("mystery")) != codes.Internal {
		t.Fatalf("unknown codes must map to Internal")
	}
	if StatusCode(utils.CodeDeliveryTimeout) != codes.DeadlineExceeded {
		t.Fatalf("delivery timeout must map to DeadlineExceeded")
	}
}
