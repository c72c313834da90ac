package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	app "solarsync/internal/acquisition/application"
	acquisition "solarsync/internal/acquisition/domain"
	acqrepo "solarsync/internal/acquisition/infrastructure/postgres"
	acqhttp "solarsync/internal/acquisition/interfaces/http"
	acqmetrics "solarsync/internal/acquisition/metrics"
	"solarsync/internal/audit"
	"solarsync/internal/auth"
	billingapp "solarsync/internal/billing/application"
	billingrepo "solarsync/internal/billing/infrastructure/postgres"
	billinghttp "solarsync/internal/billing/interfaces/http"
	"solarsync/internal/geocode"
	"solarsync/internal/observability/metrics"
	"solarsync/internal/vendors/abbfimer"
	"solarsync/internal/vendors/ecosolys"
	"solarsync/internal/vendors/fronius"
	"solarsync/internal/vendors/growatt"
	"solarsync/internal/vendors/refusol"
	"solarsync/internal/vendors/rge"
	"solarsync/internal/vendors/solarman"
	"solarsync/internal/vendors/solis"
	"solarsync/internal/vendors/sungrow"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// vendorOrder fixes the stagger sequence so restarts keep the same slots.
var vendorOrder = []string{
	"growatt",
	"sungrow",
	"abb_fimer",
	"fronius",
	"refusol",
	"deye",
	"canadian",
	"ecosolys",
	"solis",
}

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	syncCfg, err := app.LoadConfig()
	if err != nil {
		logger.Fatalf("sync config error: %v", err)
	}

	plantRepo := acqrepo.NewPlantRepository(db)
	readingRepo := acqrepo.NewReadingRepository(db)
	watermarkRepo := acqrepo.NewWatermarkRepository(db)
	credentialRepo := acqrepo.NewCredentialRepository(db)

	installationRepo := billingrepo.NewInstallationRepository(db)
	consumptionRepo := billingrepo.NewConsumptionRepository(db)
	injectionRepo := billingrepo.NewInjectionRepository(db)

	cycleMetrics := acqmetrics.New()
	syncService, err := app.NewSyncService(credentialRepo, plantRepo, readingRepo, watermarkRepo, syncCfg, cycleMetrics, logger)
	if err != nil {
		logger.Fatalf("sync service error: %v", err)
	}

	geocoder := geocode.NewClient("", "")
	if err := registerAdapters(syncService, syncCfg, geocoder, logger); err != nil {
		logger.Fatalf("vendor adapters error: %v", err)
	}

	browser, err := rge.NewBrowser(logger)
	if err != nil {
		logger.Fatalf("utility browser error: %v", err)
	}
	utilityClient, err := rge.NewClient(syncCfg.ForVendor("rge").BaseURL, logger)
	if err != nil {
		logger.Fatalf("utility client error: %v", err)
	}
	utilityService, err := billingapp.NewUtilityService(
		browser,
		utilityClient,
		credentialRepo,
		installationRepo,
		consumptionRepo,
		injectionRepo,
		watermarkRepo,
		logger,
	)
	if err != nil {
		logger.Fatalf("utility service error: %v", err)
	}

	reconciler, err := billingapp.NewReconciler(plantRepo, installationRepo, consumptionRepo, injectionRepo, readingRepo, logger)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}

	registry := app.NewRegistry()
	scheduler, err := app.NewScheduler(logger)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	if err := registerJobs(registry, scheduler, syncService, utilityService, syncCfg.Schedule); err != nil {
		logger.Fatalf("job wiring error: %v", err)
	}
	scheduler.Start(context.Background())

	syncHandler, err := acqhttp.NewHandler(registry, logger, auditRepo)
	if err != nil {
		logger.Fatalf("sync handler error: %v", err)
	}
	reconcileHandler, err := billinghttp.NewHandler(reconciler, plantRepo, auditRepo)
	if err != nil {
		logger.Fatalf("reconcile handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/reconcile", reconcileHandler)
	mux.Handle("/api/v1/reconcile/", reconcileHandler)
	mux.Handle("/api/v1/sync", syncHandler)
	mux.Handle("/api/v1/sync/", syncHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

func registerAdapters(svc *app.SyncService, cfg app.Config, geocoder *geocode.Client, logger *log.Logger) error {
	growattClient, err := growatt.NewClient(cfg.ForVendor("growatt").BaseURL, logger)
	if err != nil {
		return err
	}
	svc.Register(growattClient)

	sungrowClient, err := sungrow.NewClient(cfg.ForVendor("sungrow").BaseURL, logger)
	if err != nil {
		return err
	}
	svc.Register(sungrowClient)

	abbClient, err := abbfimer.NewClient(cfg.ForVendor("abb_fimer").BaseURL, logger)
	if err != nil {
		return err
	}
	svc.Register(abbClient)

	froniusClient, err := fronius.NewClient(cfg.ForVendor("fronius").BaseURL, geocoder, logger)
	if err != nil {
		return err
	}
	svc.Register(froniusClient)

	refusolClient, err := refusol.NewClient(cfg.ForVendor("refusol").BaseURL, logger)
	if err != nil {
		return err
	}
	svc.Register(refusolClient)

	deyeCfg := solarman.DeyeConfig()
	if override := cfg.ForVendor("deye").BaseURL; override != "" {
		deyeCfg.BaseURL = override
	}
	deyeClient, err := solarman.NewClient(deyeCfg, logger)
	if err != nil {
		return err
	}
	svc.Register(deyeClient)

	canadianCfg := solarman.CanadianConfig()
	if override := cfg.ForVendor("canadian").BaseURL; override != "" {
		canadianCfg.BaseURL = override
	}
	canadianClient, err := solarman.NewClient(canadianCfg, logger)
	if err != nil {
		return err
	}
	svc.Register(canadianClient)

	ecosolysClient, err := ecosolys.NewClient(cfg.ForVendor("ecosolys").BaseURL, "", geocoder, logger)
	if err != nil {
		return err
	}
	svc.Register(ecosolysClient)

	solisClient, err := solis.NewClient(cfg.ForVendor("solis").BaseURL, logger)
	if err != nil {
		return err
	}
	svc.Register(solisClient)

	return nil
}

// registerJobs names every cycle and puts it on the clock: intraday walks
// hourly, complete-series walks once a day, the utility pull at night after
// the portals have settled. Consecutive vendors are staggered.
func registerJobs(
	registry *app.Registry,
	scheduler *app.Scheduler,
	syncService *app.SyncService,
	utilityService *billingapp.UtilityService,
	schedule app.ScheduleConfig,
) error {
	for i, vendor := range vendorOrder {
		vendor := vendor
		delay := time.Duration(i) * schedule.Stagger

		hourly := app.Job{
			Name: vendor + "_hourly",
			Run: func(ctx context.Context) error {
				return syncService.SyncVendor(ctx, vendor, acquisition.SeriesDaily)
			},
		}
		if err := registry.Add(hourly); err != nil {
			return err
		}
		if err := scheduler.Every(hourly, time.Hour, delay); err != nil {
			return err
		}

		day := app.Job{
			Name: vendor + "_day",
			Run: func(ctx context.Context) error {
				return syncService.SyncVendor(ctx, vendor, acquisition.SeriesComplete)
			},
		}
		if err := registry.Add(day); err != nil {
			return err
		}
		if err := scheduler.DailyAt(day, schedule.DailyAt, delay); err != nil {
			return err
		}
	}

	utility := app.Job{
		Name: "rge_utility",
		Run:  utilityService.RunScheduled,
	}
	if err := registry.Add(utility); err != nil {
		return err
	}
	return scheduler.DailyAt(utility, schedule.UtilityAt, 0)
}

type config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
