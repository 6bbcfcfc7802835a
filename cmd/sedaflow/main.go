// Command sedaflow is the automated telephony engine: it originates
// outbound campaign calls through an Asterisk ARI application, runs
// YAML-scripted voice flows against STT/LLM providers, bridges
// interested callers to human operators and reports every outcome to
// the management panel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sedaflow/sedaflow/internal/config"
	"github.com/sedaflow/sedaflow/internal/dialer"
	"github.com/sedaflow/sedaflow/internal/flow"
	"github.com/sedaflow/sedaflow/internal/health"
	"github.com/sedaflow/sedaflow/internal/observe"
	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
	"github.com/sedaflow/sedaflow/pkg/panel"
	gapgpt "github.com/sedaflow/sedaflow/pkg/provider/llm/gapgpt"
	melipayamak "github.com/sedaflow/sedaflow/pkg/provider/sms/melipayamak"
	sttvira "github.com/sedaflow/sedaflow/pkg/provider/stt/vira"
	"github.com/sedaflow/sedaflow/pkg/provider/tts"
	ttsvira "github.com/sedaflow/sedaflow/pkg/provider/tts/vira"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	synthText := flag.String("synth", "", "render the given text to speech and exit (prompt pre-rendering)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sedaflow: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── One-shot prompt rendering ─────────────────────────────────────────────
	if *synthText != "" {
		return runSynth(ctx, cfg, *synthText)
	}

	slog.Info("sedaflow starting",
		"config", *configPath,
		"app", cfg.ARI.AppName,
		"lines", len(cfg.Dialer.OutboundNumbers),
		"panel", cfg.Panel.BaseURL != "",
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "sedaflow",
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── PBX control plane ─────────────────────────────────────────────────────
	ctrl, err := ari.NewClient(cfg.ARI.BaseURL, cfg.ARI.Username, cfg.ARI.Password,
		ari.WithTimeout(cfg.Timeouts.ARI()),
		ari.WithMaxConnections(cfg.Concurrency.HTTPMaxConnections),
	)
	if err != nil {
		slog.Error("ari client init failed", "err", err)
		return 1
	}

	// ── Scenarios ─────────────────────────────────────────────────────────────
	registry, err := scenario.LoadDir(cfg.Scenarios.Dir, cfg.Panel.Company)
	if err != nil {
		slog.Error("scenario load failed", "dir", cfg.Scenarios.Dir, "err", err)
		return 1
	}
	slog.Info("scenarios loaded", "names", registry.Names())

	// ── Providers ─────────────────────────────────────────────────────────────
	sttP, err := sttvira.New(cfg.STT.URL, cfg.STT.Token,
		sttvira.WithTimeout(cfg.Timeouts.STT()),
		sttvira.WithMaxParallel(cfg.Concurrency.MaxParallelSTT),
		sttvira.WithInsecureSkipVerify(!cfg.STT.VerifySSL),
	)
	if err != nil {
		slog.Error("stt provider init failed", "err", err)
		return 1
	}
	llmP, err := gapgpt.New(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		gapgpt.WithTimeout(cfg.Timeouts.LLM()),
		gapgpt.WithMaxParallel(cfg.Concurrency.MaxParallelLLM),
		gapgpt.WithModel(cfg.LLM.Model),
	)
	if err != nil {
		slog.Error("llm provider init failed", "err", err)
		return 1
	}
	smsSender := melipayamak.New(cfg.SMS.APIKey, cfg.SMS.Sender,
		melipayamak.WithTimeout(cfg.Timeouts.HTTP()),
	)

	// ── Panel (optional) ──────────────────────────────────────────────────────
	var panelClient *panel.Client
	if cfg.Panel.BaseURL != "" {
		panelClient, err = panel.NewClient(cfg.Panel.BaseURL, cfg.Panel.Token,
			panel.WithCompany(cfg.Panel.Company),
			panel.WithTimeout(cfg.Timeouts.HTTP()),
			panel.WithDefaultRetry(cfg.Dialer.DefaultRetrySeconds),
			panel.WithMaxConnections(cfg.Concurrency.HTTPMaxConnections),
		)
		if err != nil {
			slog.Error("panel client init failed", "err", err)
			return 1
		}
	}

	// ── Core components ───────────────────────────────────────────────────────
	manager := session.NewManager(ctrl, session.Config{
		Lines:      cfg.Dialer.OutboundNumbers,
		MaxInbound: cfg.Dialer.MaxConcurrentInbound,
	}, metrics)

	var reporter flow.Reporter
	if panelClient != nil {
		reporter = panelClient
	}
	engine := flow.NewEngine(flow.Deps{
		Control:  ctrl,
		STT:      sttP,
		LLM:      llmP,
		Reporter: reporter,
		Registry: registry,
		Store:    manager,
		Metrics:  metrics,
		Config: flow.Config{
			AppName:           cfg.ARI.AppName,
			Model:             cfg.LLM.Model,
			STTTimeout:        cfg.Timeouts.STT(),
			LLMTimeout:        cfg.Timeouts.LLM(),
			OperatorTimeout:   cfg.Operator.Timeout(),
			OperatorEndpoint:  cfg.Operator.Endpoint,
			OperatorExtension: cfg.Operator.Extension,
			OperatorTrunk:     operatorTrunk(cfg),
			OperatorCallerID:  cfg.Operator.CallerID,
			StaticAgents:      cfg.Operator.MobileNumbers,
			UsePanelAgents:    cfg.Operator.UsePanelAgents,
		},
	})

	windowStart, err := config.ParseClock(cfg.Dialer.CallWindowStart)
	if err != nil {
		slog.Error("bad call_window_start", "err", err)
		return 1
	}
	windowEnd, err := config.ParseClock(cfg.Dialer.CallWindowEnd)
	if err != nil {
		slog.Error("bad call_window_end", "err", err)
		return 1
	}
	var dialerPanel dialer.Panel
	if panelClient != nil {
		dialerPanel = panelClient
	}
	dl := dialer.New(dialer.Deps{
		Control:  ctrl,
		Sessions: manager,
		Panel:    dialerPanel,
		Registry: registry,
		Agents:   engine,
		SMS:      smsSender,
		Metrics:  metrics,
		Config: dialer.Config{
			AppName:            cfg.ARI.AppName,
			Trunk:              cfg.Dialer.OutboundTrunk,
			Lines:              cfg.Dialer.OutboundNumbers,
			CallerID:           cfg.Dialer.DefaultCallerID,
			OriginationTimeout: cfg.Dialer.OriginationTimeout(),
			MaxConcurrentCalls: cfg.Dialer.MaxConcurrentCalls,
			MaxOutbound:        cfg.Dialer.MaxConcurrentOutbound,
			MaxInbound:         cfg.Dialer.MaxConcurrentInbound,
			PerMinute:          cfg.Dialer.MaxCallsPerMinute,
			PerDay:             cfg.Dialer.MaxCallsPerDay,
			PerSecond:          cfg.Dialer.MaxOriginationsPerSecond,
			WindowStart:        windowStart,
			WindowEnd:          windowEnd,
			StaticContacts:     cfg.Dialer.StaticContacts,
			BatchSize:          cfg.Dialer.BatchSize,
			DefaultRetry:       time.Duration(cfg.Dialer.DefaultRetrySeconds) * time.Second,
			FailAlertThreshold: cfg.SMS.FailAlertThreshold,
			SMSAdmins:          cfg.SMS.Admins,
			UsePanelAgents:     cfg.Operator.UsePanelAgents,
		},
	})

	// Wiring that could not happen at construction time: the manager
	// drives the engine, and both lean on the dialer for line capacity.
	manager.AttachHandler(engine)
	manager.AttachDialer(dl)
	engine.AttachDialer(dl)

	// ── Event stream ──────────────────────────────────────────────────────────
	stream, err := ari.NewStream(cfg.ARI.WSURL, cfg.ARI.AppName,
		cfg.ARI.Username, cfg.ARI.Password, manager.HandleEvent,
		ari.WithOnReconnect(func(attempt int) {
			metrics.StreamReconnect()
			slog.Warn("event stream reconnecting", "attempt", attempt)
		}),
	)
	if err != nil {
		slog.Error("event stream init failed", "err", err)
		return 1
	}

	if panelClient != nil {
		if err := panelClient.RegisterScenarios(ctx, registry.PanelLabels()); err != nil {
			slog.Warn("scenario registration with panel failed", "err", err)
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx) })
	g.Go(func() error { return dl.Run(gctx) })

	if cfg.Server.ListenAddr != "" {
		srv := adminServer(cfg, stream, panelClient, metrics)
		g.Go(func() error {
			slog.Info("admin server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("sedaflow ready")
	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	if panelClient != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n := panelClient.FlushPending(fctx); n > 0 {
			slog.Warn("undelivered panel reports", "count", n)
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the YAML file when present and falls back to the
// environment when it is not, so containerized deployments can run
// without a mounted file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using environment", "path", path)
		return config.FromEnv()
	}
	return cfg, err
}

// runSynth renders one prompt text through the TTS provider and prints
// where the audio ended up. Used to pre-render scenario prompts offline.
func runSynth(ctx context.Context, cfg *config.Config, text string) int {
	p, err := ttsvira.New(cfg.TTS.URL, cfg.TTS.Token,
		ttsvira.WithTimeout(cfg.Timeouts.TTS()),
		ttsvira.WithMaxParallel(cfg.Concurrency.MaxParallelTTS),
		ttsvira.WithInsecureSkipVerify(!cfg.TTS.VerifySSL),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sedaflow: tts: %v\n", err)
		return 1
	}
	res, err := p.Synthesize(ctx, text, tts.SynthesizeOpts{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sedaflow: synthesize: %v\n", err)
		return 1
	}
	fmt.Printf("status:   %s\n", res.Status)
	fmt.Printf("filename: %s\n", res.Filename)
	fmt.Printf("url:      %s\n", res.URL)
	fmt.Printf("duration: %.2fs\n", res.Duration)
	return 0
}

// operatorTrunk resolves the trunk operator legs are dialed through; it
// defaults to the dialer's outbound trunk.
func operatorTrunk(cfg *config.Config) string {
	if cfg.Operator.Trunk != "" {
		return cfg.Operator.Trunk
	}
	return cfg.Dialer.OutboundTrunk
}

// adminServer builds the health + metrics listener.
func adminServer(cfg *config.Config, stream *ari.Stream, panelClient *panel.Client, metrics *observe.Metrics) *http.Server {
	probes := []health.Probe{health.Stream(stream.Connected)}
	if panelClient != nil {
		probes = append(probes, health.Endpoint("panel", cfg.Panel.BaseURL, nil))
	}

	mux := http.NewServeMux()
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// newLogger builds the JSON slog handler at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
