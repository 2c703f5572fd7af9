// Command mock-agent is a local stand-in for a fleet agent. It registers with
// the control plane, heartbeats, reports prices, and executes every command it
// receives by reporting progress and a healthy result.
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/driftline/spotwatch/internal/api"
	"github.com/driftline/spotwatch/internal/models"
)

type agent struct {
	conn       *grpc.ClientConn
	logger     *log.Logger
	id         string
	generation int64
	pool       atomic.Value
	seq        atomic.Uint64
	execDelay  time.Duration
}

func main() {
	var (
		target     string
		listen     string
		advertise  string
		logicalID  string
		generation int64
		pool       string
		interval   time.Duration
		execDelay  time.Duration
	)
	flag.StringVar(&target, "control-plane", "localhost:50061", "control plane gRPC address")
	flag.StringVar(&listen, "listen", ":8081", "command listener address")
	flag.StringVar(&advertise, "advertise", "http://localhost:8081", "base URL the control plane dispatches to")
	flag.StringVar(&logicalID, "logical-id", "mock-agent-1", "stable agent identity")
	flag.Int64Var(&generation, "generation", time.Now().Unix(), "agent generation; defaults to start time")
	flag.StringVar(&pool, "pool", "us-east-1a.m5.large", "initial capacity pool")
	flag.DurationVar(&interval, "interval", 5*time.Second, "heartbeat and report interval")
	flag.DurationVar(&execDelay, "exec-delay", 2*time.Second, "simulated migration duration")
	flag.Parse()

	logger := log.New(log.Writer(), "agent-mock ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatalf("dial control plane: %v", err)
	}
	defer conn.Close()

	a := &agent{conn: conn, logger: logger, generation: generation, execDelay: execDelay}
	a.pool.Store(pool)

	resp, err := a.call(ctx, "Register", map[string]any{
		"logical_id": logicalID,
		"generation": generation,
		"address":    advertise,
		"pool_id":    pool,
	})
	if err != nil {
		logger.Fatalf("register: %v", err)
	}
	a.id = resp.GetFields()["agent_id"].GetStringValue()
	logger.Printf("registered as %s (generation %d)", a.id, generation)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/commands", a.handleCommand)
	srv := &http.Server{Addr: listen, Handler: logRequests(logger, mux), ReadTimeout: 5 * time.Second}
	go func() {
		logger.Printf("listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	a.loop(ctx, interval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if _, err := a.call(shutdownCtx, "Deregister", map[string]any{"agent_id": a.id}); err != nil {
		logger.Printf("deregister: %v", err)
	}
}

func (a *agent) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *agent) tick(ctx context.Context) {
	pool := a.pool.Load().(string)
	if _, err := a.call(ctx, "Heartbeat", map[string]any{"agent_id": a.id, "pool_id": pool, "healthy": true}); err != nil {
		a.logger.Printf("heartbeat: %v", err)
	}
	counterpart := 0.096
	price := counterpart * (0.25 + 0.5*rand.Float64())
	if _, err := a.call(ctx, "SubmitReport", map[string]any{
		"agent_id":          a.id,
		"pool_id":           pool,
		"price":             price,
		"counterpart_price": counterpart,
		"observed_at":       time.Now().UTC().Format(time.RFC3339Nano),
		"sequence_no":       a.seq.Add(1),
	}); err != nil {
		a.logger.Printf("report: %v", err)
	}
}

func (a *agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cmd models.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, map[string]any{"rejected": true, "reason": "malformed command"})
		return
	}
	if cmd.AgentID != a.id {
		writeJSON(w, map[string]any{"rejected": true, "reason": "command addressed to another generation"})
		return
	}
	writeJSON(w, map[string]any{"accepted": true})
	go a.execute(cmd)
}

// execute simulates the migration and reports back over gRPC.
func (a *agent) execute(cmd models.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), a.execDelay+30*time.Second)
	defer cancel()

	a.logger.Printf("executing %s %s -> %s", cmd.Kind, cmd.SourcePoolID, cmd.TargetPoolID)
	for _, progress := range []float64{0.25, 0.5, 0.75} {
		time.Sleep(a.execDelay / 4)
		if _, err := a.call(ctx, "ReportProgress", map[string]any{
			"command_id": cmd.ID,
			"generation": cmd.AgentGeneration,
			"progress":   progress,
			"detail":     "migrating",
		}); err != nil {
			a.logger.Printf("progress %s: %v", cmd.ID, err)
			return
		}
	}
	time.Sleep(a.execDelay / 4)
	if _, err := a.call(ctx, "ReportResult", map[string]any{
		"command_id": cmd.ID,
		"generation": cmd.AgentGeneration,
		"success":    true,
		"health": map[string]any{
			"boot_succeeded":      true,
			"health_check_passed": true,
			"instance_id":         "mock-" + cmd.ID[:8],
		},
	}); err != nil {
		a.logger.Printf("result %s: %v", cmd.ID, err)
		return
	}
	if cmd.TargetPoolID != "" {
		a.pool.Store(cmd.TargetPoolID)
	}
}

func (a *agent) call(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp := new(structpb.Struct)
	if err := a.conn.Invoke(callCtx, api.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
