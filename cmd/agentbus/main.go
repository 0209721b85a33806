// Command agentbus is the process entrypoint: it wires registry, router,
// validation, role enforcement, deliberation, breaker, policy, health,
// recovery, chaos, audit, metering, and telemetry into the Agent Bus
// facade and serves it until signaled to stop.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/constitutional-labs/agentbus/pkg/agentbus"
	"github.com/constitutional-labs/agentbus/pkg/audit"
	"github.com/constitutional-labs/agentbus/pkg/breaker"
	"github.com/constitutional-labs/agentbus/pkg/bus"
	"github.com/constitutional-labs/agentbus/pkg/chaos"
	"github.com/constitutional-labs/agentbus/pkg/config"
	"github.com/constitutional-labs/agentbus/pkg/deliberation"
	"github.com/constitutional-labs/agentbus/pkg/health"
	"github.com/constitutional-labs/agentbus/pkg/metering"
	"github.com/constitutional-labs/agentbus/pkg/policy"
	"github.com/constitutional-labs/agentbus/pkg/processor"
	"github.com/constitutional-labs/agentbus/pkg/recovery"
	"github.com/constitutional-labs/agentbus/pkg/registry"
	"github.com/constitutional-labs/agentbus/pkg/role"
	"github.com/constitutional-labs/agentbus/pkg/router"
	"github.com/constitutional-labs/agentbus/pkg/strategy"
	"github.com/constitutional-labs/agentbus/pkg/telemetry"
	"github.com/constitutional-labs/agentbus/pkg/validation"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing: it dispatches on args[1] to the
// serve/health/send/doctor subcommands.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "send":
		return runSendCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "agentbus — constitutional message bus")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: agentbus <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the bus server (default)")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  send     Send a one-shot diagnostic message")
	fmt.Fprintln(w, "  doctor   Check configuration and dependency health")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8091/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}
	var results []checkResult
	allOK := true

	cfg, err := config.Load(os.Getenv("AGENTBUS_CONFIG"))
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "config", Status: "ok", Detail: "loaded and validated"})
	}

	if cfg.Audit.DatabaseURL == "" {
		results = append(results, checkResult{Name: "audit_database_url", Status: "warn", Detail: "not set, decision logs will only be logged"})
	} else {
		results = append(results, checkResult{Name: "audit_database_url", Status: "ok", Detail: "set"})
	}

	fmt.Fprintln(stdout, "agentbus doctor")
	fmt.Fprintln(stdout, "---------------")
	for _, r := range results {
		fmt.Fprintf(stdout, "  %-24s %-5s %s\n", r.Name, r.Status, r.Detail)
	}
	if allOK {
		return 0
	}
	return 1
}

func runSendCmd(args []string, stdout, stderr io.Writer) int {
	result := map[string]any{
		"request_id": newRequestID(),
		"status":     "not_connected",
		"detail":     "one-shot send requires a running serve process; use the HTTP API instead",
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

//nolint:gocyclo
func runServe(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.Default()

	cfg, err := config.Load(os.Getenv("AGENTBUS_CONFIG"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		return 1
	}

	otel.SetTracerProvider(trace.NewTracerProvider())
	tel, err := telemetry.New()
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	var auditDB, meteringDB *sql.DB
	if cfg.Audit.DatabaseURL != "" {
		auditDB, err = openDB(cfg.Audit.DatabaseURL)
		if err != nil {
			logger.Error("audit db open failed", "error", err)
			return 1
		}
	}
	if cfg.Metering.DatabaseURL != "" {
		meteringDB, err = openDB(cfg.Metering.DatabaseURL)
		if err != nil {
			logger.Error("metering db open failed", "error", err)
			return 1
		}
	}

	var auditWriter audit.Writer
	if auditDB != nil {
		w := audit.NewSQLWriter(auditDB)
		if err := w.Init(ctx); err != nil {
			logger.Error("audit schema init failed", "error", err)
			return 1
		}
		auditWriter = w
	}
	auditSink := audit.NewSink(cfg.Audit.QueueCapacity, auditWriter, logger)
	auditSink.Start(ctx)
	defer auditSink.Stop(5 * time.Second)

	keyring, err := audit.NewKeyring(nil)
	if err != nil {
		logger.Error("keyring init failed", "error", err)
		return 1
	}

	var meter metering.Meter
	if meteringDB != nil {
		pm := metering.NewPostgresMeter(meteringDB)
		if err := pm.Init(ctx); err != nil {
			logger.Error("metering schema init failed", "error", err)
			return 1
		}
		meter = pm
	}

	healthAgg := health.New(cfg.Health.Window)
	breakerReg := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		FailureWindow:       cfg.Breaker.FailureWindow,
		CooldownMs:          cfg.Breaker.Cooldown,
		HalfOpenProbeBudget: cfg.Breaker.HalfOpenProbeBudget,
	}, chainListeners(healthAgg.Listener(), func(e breaker.Event) {
		tel.RecordBreakerTransition(ctx, e.Target, string(e.To))
	}))

	chaosEngine := chaos.New()
	recoveryOrch := recovery.New(breakerReg, func(ctx context.Context, service string) error { return nil })

	var reg registry.Registry
	if cfg.Registry.RedisAddr != "" {
		client := redisClient(cfg.Registry.RedisAddr)
		reg = registry.NewDistributed(client, cfg.Registry.TTL)
	} else {
		reg = registry.NewInMemory()
	}
	rt := router.New(reg)

	var policyBackends []policy.Backend
	if cfg.Policy.ExternalURL != "" {
		policyBackends = append(policyBackends, policy.NewRemote(httpPolicyEvaluator{baseURL: cfg.Policy.ExternalURL}))
	}
	embedded, err := policy.NewEmbeddedCEL(map[string]string{})
	if err != nil {
		logger.Error("embedded policy init failed", "error", err)
		return 1
	}
	policyBackends = append(policyBackends, embedded, policy.NewFallback())
	policyAdapter := policy.New(cfg.Policy.CacheSize, nil, cfg.Policy.CacheTTL, policyBackends...)

	roleMode := role.Strict
	if cfg.Role.Mode == config.RoleModePermissive {
		roleMode = role.Permissive
	}
	roles := role.New(roleMode)

	delib := deliberation.New(cfg.Deliberation.Capacity, nil)
	go sweepDeliberations(ctx, delib)

	scorerBreaker := breakerReg.For("impact-scorer")
	proc := processor.New(
		validation.NewConstitutionalHashStrategy(),
		roles,
		nil, // no impact scorer wired by default; plug one in via a future policy backend
		scorerBreaker,
		delib,
		strategy.NewBaseline(),
		auditSink,
		keyring,
		meter,
		nil,
		processor.Config{
			ImpactScoreTimeout:    cfg.Processor.ImpactScoreTimeout,
			DeliberationThreshold: cfg.Processor.DeliberationThreshold,
			DeliberationDeadline:  cfg.Processor.DeliberationDeadline,
		},
	).WithTelemetry(tel)

	b := agentbus.New(reg, rt, proc, delib, agentbus.Config{
		WorkerCount:      cfg.AgentBus.WorkerCount,
		QueueCapacity:    cfg.AgentBus.QueueCapacity,
		SendTimeout:      cfg.AgentBus.SendTimeout,
		ShutdownDeadline: cfg.AgentBus.ShutdownDeadline,
	}).WithTelemetry(tel)
	b.Start()
	defer b.Stop(cfg.AgentBus.ShutdownDeadline)

	go runRecoverySweep(ctx, recoveryOrch)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := healthAgg.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/v1/send", func(w http.ResponseWriter, r *http.Request) {
		handleSend(w, r, b)
	})
	mux.HandleFunc("/v1/chaos/scenarios", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chaosEngine.ActiveScenarios())
	})
	mux.HandleFunc("/v1/chaos/inject", func(w http.ResponseWriter, r *http.Request) {
		handleChaosInject(w, r, chaosEngine)
	})
	mux.HandleFunc("/v1/chaos/stop", func(w http.ResponseWriter, r *http.Request) {
		chaosEngine.EmergencyStop()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/policy/evaluate", func(w http.ResponseWriter, r *http.Request) {
		handlePolicyEvaluate(w, r, policyAdapter)
	})

	srv := &http.Server{Addr: cfg.Server.HealthAddr, Handler: mux}
	go func() {
		logger.Info("agentbus: health server listening", "addr", cfg.Server.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("agentbus: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("agentbus: shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func handleSend(w http.ResponseWriter, r *http.Request, b *agentbus.AgentBus) {
	var req agentbus.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := b.Send(r.Context(), req)
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "message": m})
		return
	}
	_ = json.NewEncoder(w).Encode(m)
}

func handleChaosInject(w http.ResponseWriter, r *http.Request, engine *chaos.Engine) {
	var req struct {
		Kind        chaos.Kind    `json:"kind"`
		BlastRadius []string      `json:"blast_radius"`
		Duration    time.Duration `json:"duration"`
		Latency     time.Duration `json:"latency"`
		ErrorMsg    string        `json:"error_msg"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scenario, err := engine.Inject(bus.ConstitutionalHash, req.Kind, req.BlastRadius, req.Duration, req.Latency, req.ErrorMsg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(scenario)
}

func handlePolicyEvaluate(w http.ResponseWriter, r *http.Request, adapter *policy.Adapter) {
	var req struct {
		PolicyPath string         `json:"policy_path"`
		Input      map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := adapter.Evaluate(r.Context(), req.PolicyPath, req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_ = json.NewEncoder(w).Encode(result)
}

func chainListeners(ls ...breaker.Listener) breaker.Listener {
	return func(e breaker.Event) {
		for _, l := range ls {
			if l != nil {
				l(e)
			}
		}
	}
}

func redisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func openDB(dsn string) (*sql.DB, error) {
	driver := "sqlite"
	if len(dsn) > 8 && dsn[:8] == "postgres" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func sweepDeliberations(ctx context.Context, delib *deliberation.Router) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delib.Sweep()
		}
	}
}

func runRecoverySweep(ctx context.Context, orch *recovery.Orchestrator) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range orch.Due() {
				_ = orch.Run(ctx, t, bus.ConstitutionalHash)
			}
		}
	}
}

// httpPolicyEvaluator adapts an external policy decision point reachable
// over HTTP to policy.RemoteEvaluator.
type httpPolicyEvaluator struct {
	baseURL string
}

func (h httpPolicyEvaluator) Evaluate(ctx context.Context, policyPath string, input map[string]any) (policy.Result, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return policy.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+policyPath, bytes.NewReader(body))
	if err != nil {
		return policy.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return policy.Result{}, err
	}
	defer resp.Body.Close()

	var out policy.Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return policy.Result{}, err
	}
	return out, nil
}

func newRequestID() string { return uuid.New().String() }
