package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fortifi/backend/internal/api"
	"github.com/fortifi/backend/internal/audit"
	"github.com/fortifi/backend/internal/circuitbreaker"
	"github.com/fortifi/backend/internal/config"
	"github.com/fortifi/backend/internal/controller"
	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/federation"
	"github.com/fortifi/backend/internal/limits"
	"github.com/fortifi/backend/internal/limitsync"
	"github.com/fortifi/backend/internal/middleware"
	"github.com/fortifi/backend/internal/monitoring"
	"github.com/fortifi/backend/internal/phantom"
	"github.com/fortifi/backend/internal/policy"
	"github.com/fortifi/backend/internal/profile"
	"github.com/fortifi/backend/internal/queue"
	"github.com/fortifi/backend/internal/risk"
	"github.com/fortifi/backend/internal/shadow"
	"github.com/fortifi/backend/internal/trap"
	"github.com/fortifi/backend/internal/websocket"
)

// Exit codes: 0 normal, 1 config error, 2 fatal init failure,
// 3 storage not writable.
const (
	exitConfig  = 1
	exitInit    = 2
	exitStorage = 3
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("FORTIFI_CONFIG", "config.yaml"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfig)
	}

	log.Printf("starting spend control platform (env=%s)", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Observability --------------------------------------------------

	monitor := monitoring.NewMonitoringSystem(prometheus.DefaultRegisterer)
	streamer := websocket.NewEventStreamer()
	go streamer.Run()

	// ---- Policy ----------------------------------------------------------

	var policyEngine *policy.Engine
	if cfg.Policy.RulesPath != "" {
		policyEngine, err = policy.NewEngine(cfg.Policy.RulesPath)
		if err != nil {
			log.Printf("policy rules unavailable, running with built-in constraints: %v", err)
		} else {
			go policyEngine.Watch(ctx, 5*time.Second)
		}
	}

	// ---- Circuit breakers and profiles ----------------------------------

	breakers := circuitbreaker.NewSet(&circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenCooldown:     time.Duration(cfg.Circuit.OpenCooldownSec) * time.Second,
		HalfOpenProbes:   cfg.Circuit.HalfOpenProbes,
	})

	fetcher := profile.NewFetcher(profile.ServiceURLs{
		Behavior: cfg.Profile.ServiceBase + "/behavior",
		Fraud:    cfg.Profile.ServiceBase + "/fraud",
		Spending: cfg.Profile.ServiceBase + "/spending",
	}, profile.Options{
		CacheSize:    cfg.Profile.CacheSize,
		CacheTTL:     time.Duration(cfg.Profile.CacheTTLSec) * time.Second,
		FetchTimeout: time.Duration(cfg.Profile.FetchTimeout) * time.Second,
		Retries:      cfg.Profile.FetchRetries,
		Backoff:      cfg.Profile.FetchBackoff,
		ServiceToken: cfg.Profile.ServiceToken,
		WarmupUsers:  cfg.Profile.WarmupUsers,
		Breaker:      breakers.Profile,
	})
	go fetcher.Warmup(ctx)
	fetcher.StartJanitor(ctx, time.Minute)

	// ---- Risk ------------------------------------------------------------

	var merchantRisk risk.MerchantRiskProvider
	if policyEngine != nil {
		merchantRisk = policyEngine
	}
	scorer := risk.NewScorer(cfg.Risk.Weights, nil, merchantRisk)
	levels := risk.NewThresholdEngine(risk.EngineOptions{
		Base: risk.Thresholds{
			Critical: cfg.Risk.Thresholds.Critical,
			High:     cfg.Risk.Thresholds.High,
			Medium:   cfg.Risk.Thresholds.Medium,
		},
		Hysteresis: risk.Thresholds{
			Critical: cfg.Risk.Hysteresis.Critical,
			High:     cfg.Risk.Hysteresis.High,
			Medium:   cfg.Risk.Hysteresis.Medium,
		},
		Adaptive: risk.AdaptiveParams{
			CriticalBase: cfg.Risk.Adaptive.CriticalBase, CriticalSlope: cfg.Risk.Adaptive.CriticalSlope,
			HighBase: cfg.Risk.Adaptive.HighBase, HighSlope: cfg.Risk.Adaptive.HighSlope,
			MediumBase: cfg.Risk.Adaptive.MediumBase, MediumSlope: cfg.Risk.Adaptive.MediumSlope,
			FraudCutoff: cfg.Risk.Adaptive.FraudCutoff,
			WindowSize:  cfg.Risk.Adaptive.WindowSize,
			Interval:    time.Duration(cfg.Risk.Adaptive.IntervalSec) * time.Second,
		},
		LargeAmountThreshold: cfg.Controller.LargeAmountThreshold,
	})

	// ---- Limits, sync, audit --------------------------------------------

	var constraints limits.PolicyConstraints
	if policyEngine != nil {
		constraints = policyEngine
	}
	limitEngine := limits.NewEngine(limits.Options{
		BaseLimits: core.LimitSet{
			Daily:       cfg.Limits.BaseDaily,
			Transaction: cfg.Limits.BaseTransaction,
			Weekly:      cfg.Limits.BaseWeekly,
		},
		DecayRate:     cfg.Limits.DecayRate,
		HistoryWindow: cfg.Limits.HistoryWindow,
		InactiveAfter: time.Duration(cfg.Limits.InactiveDays) * 24 * time.Hour,
		Policy:        constraints,
	})
	limitEngine.StartJanitor(ctx, time.Hour)
	market := limits.NewMarketMonitor(marketSource(cfg), time.Duration(cfg.Market.UpdateIntervalSec)*time.Second)
	go market.Run(ctx)

	syncer, err := limitsync.NewSyncer(limitsync.Options{
		Endpoints:  cfg.Sync.Endpoints,
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    cfg.Sync.Backoff,
		StatusDir:  cfg.Sync.StatusDir,
		APIToken:   cfg.Sync.APIToken,
		SystemID:   cfg.Sync.SystemID,
		Timeout:    cfg.Sync.Timeout,
	})
	if err != nil {
		log.Printf("sync status storage not writable: %v", err)
		os.Exit(exitStorage)
	}
	go syncer.Run(ctx)

	auditLog, err := audit.NewLogger(audit.Options{
		Dir:           cfg.Audit.LogDir,
		Secret:        auditSecret(cfg),
		MaxLogSize:    cfg.Audit.MaxLogSize,
		RetentionDays: cfg.Audit.RetentionDays,
		Writers:       cfg.Audit.Writers,
	})
	if err != nil {
		log.Printf("audit storage not writable: %v", err)
		os.Exit(exitStorage)
	}
	auditLog.Start()
	defer auditLog.Close()
	auditLog.StartRetentionEnforcer(ctx.Done(), time.Hour)
	auditLog.StartHealthReporter(ctx.Done(), time.Minute)

	// ---- Deception layer -------------------------------------------------

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	trapOpts := trap.Options{
		ArchiveDir: cfg.Trap.ArchiveDir,
		Workers:    cfg.Trap.Workers,
		Alerts:     &streamAlertSink{streamer: streamer, monitor: monitor},
	}
	if redisClient != nil {
		trapOpts.Blocklist = trap.NewRedisBlocklist(redisClient, 24*time.Hour)
	}
	trapEngine, err := trap.NewEngine(trapOpts)
	if err != nil {
		log.Printf("trap archive not writable: %v", err)
		os.Exit(exitStorage)
	}

	shadowMgr := shadow.NewManager(shadow.NewGenerator(), trapEngine, shadow.Options{
		SessionTimeout:  time.Duration(cfg.Shadow.SessionTimeoutSec) * time.Second,
		CleanupInterval: time.Duration(cfg.Shadow.CleanupIntervalSec) * time.Second,
		ArchiveDir:      cfg.Shadow.ArchiveDir,
	})
	trapEngine.AttachShadow(shadowMgr, shadowMgr)
	go shadowMgr.Run(ctx)
	go trapEngine.Run(ctx)

	var phantomEngine *phantom.Engine
	if cfg.Postgres.DSN != "" && redisClient != nil {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Printf("postgres unavailable: %v", err)
			os.Exit(exitInit)
		}
		store := phantom.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Printf("phantom schema: %v", err)
			os.Exit(exitInit)
		}
		phantomEngine = phantom.NewEngine(store, phantom.NewRedisCache(redisClient), phantom.Options{
			PhantomTTL:    time.Duration(cfg.Phantom.TTLSec) * time.Second,
			CacheTTL:      time.Duration(cfg.Phantom.CacheTTLSec) * time.Second,
			GeoDispersion: cfg.Phantom.GeoDispersion,
			OnTrigger: func(tr phantom.Trigger) {
				streamer.StreamPhantomTriggered(tr.PhantomID, tr.UserID)
				monitor.RecordError("phantom_triggered", "phantom decoy accessed", "containment", "critical")
			},
		})
		go phantomEngine.Run(ctx)
	} else {
		log.Printf("phantom engine disabled: postgres and redis are both required")
	}

	// ---- Federation ------------------------------------------------------

	var (
		coordinator *federation.Coordinator
		broadcaster *federation.Broadcaster
	)
	if cfg.Federation.Secret != "" {
		encoder, err := federation.NewDeltaEncoder(cfg.Federation.Epsilon, cfg.Federation.Delta)
		if err != nil {
			log.Printf("federation privacy parameters: %v", err)
			os.Exit(exitConfig)
		}
		registry, err := federation.NewModelRegistry(cfg.Federation.RegistryPath)
		if err != nil {
			log.Printf("model registry not writable: %v", err)
			os.Exit(exitStorage)
		}
		broadcaster, err = federation.NewBroadcaster(cfg.Federation.NodeID, cfg.Federation.Peers, []byte(cfg.Federation.Secret))
		if err != nil {
			log.Printf("federation broadcaster: %v", err)
			os.Exit(exitInit)
		}
		coordOpts := federation.CoordinatorOptions{
			DeltaEnc:    encoder,
			Registry:    registry,
			Broadcaster: broadcaster,
			Secret:      []byte(cfg.Federation.Secret),
		}
		if cfg.Federation.ChainURL != "" {
			coordOpts.Chain = federation.NewHTTPChainClient(cfg.Federation.ChainURL, cfg.Federation.ChainAPIKey)
		}
		coordinator = federation.NewCoordinator(coordOpts)
	} else {
		log.Printf("federation disabled: no shared secret configured")
	}

	// ---- Controller ------------------------------------------------------

	ctrl := controller.New(controller.Options{
		Workers:              cfg.Controller.Workers,
		LargeAmountThreshold: cfg.Controller.LargeAmountThreshold,
		MonitorInterval:      time.Duration(cfg.Controller.MonitorIntervalSec) * time.Second,
		PollTimeout:          time.Duration(cfg.Queue.PollTimeoutMs) * time.Millisecond,
		AuditSecret:          auditSecret(cfg),
		General:              queue.NewPriorityQueue(cfg.Queue.GeneralCapacity),
		Emergency:            queue.NewEmergencyQueue(cfg.Queue.EmergencyCapacity),
		Profiles:             fetcher,
		Breakers:             breakers.Manager,
		Scorer:               scorer,
		Levels:               levels,
		Limits:               limitEngine,
		Market:               market,
		Syncer:               syncer,
		Audit:                auditLog,
		Monitor:              monitor,
		Streamer:             streamer,
		Shadow:               shadowMgr,
		Traps:                trapEngine,
	})
	go ctrl.Run(ctx)

	// ---- API -------------------------------------------------------------

	server := api.NewServer(api.ServerOptions{
		Controller:  ctrl,
		Limits:      limitEngine,
		Syncer:      syncer,
		Audit:       auditLog,
		Breakers:    breakers,
		Monitor:     monitor,
		Streamer:    streamer,
		Phantom:     phantomEngine,
		Shadow:      shadowMgr,
		Traps:       trapEngine,
		Coordinator: coordinator,
		Broadcaster: broadcaster,
		RateLimit:   middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		AdminToken:  os.Getenv("FORTIFI_ADMIN_TOKEN"),
	})

	grace := time.Duration(cfg.Controller.ShutdownGraceSec) * time.Second
	if err := server.Start(ctx, ":"+cfg.Server.Port, grace); err != nil {
		log.Printf("server failed: %v", err)
		os.Exit(exitInit)
	}
	log.Printf("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func auditSecret(cfg *config.Config) string {
	if cfg.Audit.Secret != "" {
		return cfg.Audit.Secret
	}
	return envOr("FORTIFI_AUDIT_SECRET", "dev-only-secret")
}

func marketSource(cfg *config.Config) limits.MarketSource {
	if cfg.Market.ServiceURL == "" {
		return nil
	}
	return &limits.HTTPMarketSource{URL: cfg.Market.ServiceURL}
}

// streamAlertSink fans trap alerts out to the websocket stream and the
// metrics pipeline.
type streamAlertSink struct {
	streamer *websocket.EventStreamer
	monitor  *monitoring.MonitoringSystem
}

func (s *streamAlertSink) CriticalAlert(title string, details map[string]interface{}) {
	trapID, _ := details["trap_id"].(string)
	userID, _ := details["user_id"].(string)
	s.streamer.StreamTrapSprung(trapID, userID, title)
	s.monitor.RecordTrapSprung()
	s.monitor.RecordError("trap_triggered", title, "containment", "critical")
}
