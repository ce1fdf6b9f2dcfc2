package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"tutorbill/internal/audit"
	"tutorbill/internal/auth"
	billingapp "tutorbill/internal/billing/application"
	billingrepo "tutorbill/internal/billing/infrastructure/postgres"
	"tutorbill/internal/billing/infrastructure/rates"
	billinghttp "tutorbill/internal/billing/interfaces"
	"tutorbill/internal/eventing"
	eventingrepo "tutorbill/internal/eventing/infrastructure/postgres"
	masterdatarepo "tutorbill/internal/masterdata/infrastructure/postgres"
	"tutorbill/internal/notify"
	"tutorbill/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	billingCfg, err := billingapp.LoadConfig()
	if err != nil {
		logger.Fatalf("billing config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	guardianChecker := auth.NewGuardianChecker(db)
	auditRepo := audit.NewRepository(db)

	guardianRepo := masterdatarepo.NewGuardianRepository(db)
	lessonRepo := masterdatarepo.NewLessonRepository(db)

	baseBus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(billingapp.InvoiceIssued{})
	registry.Register(billingapp.InvoiceSent{})
	registry.Register(billingapp.PaymentRecorded{})
	registry.Register(billingapp.RefundRecorded{})
	registry.Register(billingapp.InvoiceCancelled{})
	registry.Register(billingapp.FollowUpInvoiceCreated{})
	registry.Register(billingapp.ReconciliationHoldRaised{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore,
		eventing.WithDispatcherLogger(logger))
	publisher := eventing.NewPublisher(outboxStore, dispatcher, cfg.TenantID, baseBus)

	store, err := billingrepo.NewBillingStore(db, cfg.TenantID)
	if err != nil {
		logger.Fatalf("billing store error: %v", err)
	}
	rateProvider := rates.NewProvider(db, rates.WithTenantID(cfg.TenantID))

	invoiceService, err := billingapp.NewInvoiceService(
		store,
		guardianRepo,
		lessonRepo,
		rateProvider,
		billingCfg,
		cfg.TenantID,
		billingapp.WithPublisher(publisher),
		billingapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("invoice service error: %v", err)
	}
	followUpService, err := billingapp.NewFollowUpService(
		invoiceService,
		store,
		guardianRepo,
		billingCfg,
		billingapp.WithFollowUpPublisher(publisher),
		billingapp.WithFollowUpLogger(logger),
	)
	if err != nil {
		logger.Fatalf("followup service error: %v", err)
	}

	eventing.Subscribe(baseBus, eventing.EventTypeOf[billingapp.InvoiceIssued](), "billing.log", func(ctx context.Context, event any) error {
		evt, ok := event.(billingapp.InvoiceIssued)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		logger.Printf("invoice issued: guardian=%s number=%s total=%s", evt.GuardianID, evt.Number, evt.Total.String())
		return nil
	}, processedStore)
	eventing.Subscribe(baseBus, eventing.EventTypeOf[billingapp.FollowUpInvoiceCreated](), "billing.followup.log", func(ctx context.Context, event any) error {
		evt, ok := event.(billingapp.FollowUpInvoiceCreated)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		logger.Printf("followup invoice created: guardian=%s number=%s student=%s", evt.GuardianID, evt.Number, evt.StudentID)
		return nil
	}, processedStore)

	if billingCfg.EscalationWebhookURL != "" {
		channel, err := notify.NewWebhookChannel(billingCfg.EscalationWebhookURL)
		if err != nil {
			logger.Fatalf("escalation webhook error: %v", err)
		}
		tpl, err := notify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			logger.Fatalf("escalation template error: %v", err)
		}
		holdNotifier, err := notify.NewHoldNotifier(channel, tpl,
			notify.WithCooldown(cfg.NotifyCooldown),
			notify.WithDedupeWindow(cfg.NotifyDedupeWindow),
		)
		if err != nil {
			logger.Fatalf("hold notifier error: %v", err)
		}
		eventing.Subscribe(baseBus, eventing.EventTypeOf[billingapp.ReconciliationHoldRaised](), "notify.holds", holdNotifier.HandleEvent, processedStore)
	}

	// Outbox drain for events whose inline dispatch failed.
	go func() {
		ticker := time.NewTicker(cfg.OutboxInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := dispatcher.Dispatch(context.Background(), 50); err != nil {
				logger.Printf("outbox dispatch error: %v", err)
			}
		}
	}()

	invoiceHandler, err := billinghttp.NewInvoiceHandler(invoiceService, followUpService, guardianChecker, auditRepo)
	if err != nil {
		logger.Fatalf("invoice handler error: %v", err)
	}
	rateHandler, err := billinghttp.NewRateHandler(rateProvider, auditRepo)
	if err != nil {
		logger.Fatalf("rate handler error: %v", err)
	}
	holdHandler, err := billinghttp.NewHoldHandler(store, auditRepo)
	if err != nil {
		logger.Fatalf("hold handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/invoices", invoiceHandler)
	mux.Handle("/api/v1/invoices/", invoiceHandler)
	mux.Handle("/api/v1/guardians/", invoiceHandler)
	mux.Handle("/api/v1/exports/invoices.csv", invoiceHandler)
	mux.Handle("/api/v1/rates", rateHandler)
	mux.Handle("/api/v1/rates/", rateHandler)
	mux.Handle("/api/v1/holds", holdHandler)
	mux.Handle("/api/v1/holds/", holdHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL        string
	HTTPAddr           string
	TenantID           string
	JWTSecret          string
	NotifyTemplate     string
	NotifyCooldown     time.Duration
	NotifyDedupeWindow time.Duration
	OutboxInterval     time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		TenantID:           getenvDefault("TENANT_ID", "tenant-demo"),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		NotifyTemplate:     getenvDefault("HOLD_NOTIFY_TEMPLATE", ""),
		NotifyCooldown:     getenvDuration("HOLD_NOTIFY_COOLDOWN", 0),
		NotifyDedupeWindow: getenvDuration("HOLD_NOTIFY_DEDUP_WINDOW", 0),
		OutboxInterval:     getenvDuration("OUTBOX_DISPATCH_INTERVAL", 30*time.Second),
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

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
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
