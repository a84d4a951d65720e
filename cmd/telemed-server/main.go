package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	// Embeds zone data for appointment.doctorLocation on hosts without a tz database.
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/appointment"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/domain/doctor"
	"github.com/telemed/telemed/internal/domain/reputation"
	"github.com/telemed/telemed/internal/domain/unavailability"
	"github.com/telemed/telemed/internal/platform/analysis"
	"github.com/telemed/telemed/internal/platform/audit"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/blobstore"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/jobs"
	"github.com/telemed/telemed/internal/platform/middleware"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/platform/sessioncrypto"
	"github.com/telemed/telemed/internal/platform/telemetry"
	"github.com/telemed/telemed/internal/platform/validation"
	"github.com/telemed/telemed/internal/platform/websocket"
)

const serviceName = "telemed-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Telemedicine queue and consultation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run maintenance jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run every maintenance job once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := buildApp(cfg, pool, logger)
			if err != nil {
				return err
			}
			sched := jobs.NewScheduler(logger)
			if err := registerJobs(sched, cfg, a.jobFuncs()); err != nil {
				return err
			}
			return sched.RunOnce(ctx)
		},
	})
	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		ApplicationName:  serviceName,
		StatementTimeout: cfg.DBStatementTimeout,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// app holds the wired services.
type app struct {
	hub          *websocket.Hub
	notifier     *notification.Manager
	reputation   *reputation.Service
	doctors      *doctor.Service
	unavail      *unavailability.Service
	appointments *appointment.Service
	consults     *consultation.Service
	audit        audit.Recorder
	metrics      *telemetry.Provider
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	vault, err := sessioncrypto.NewVaultWithFallback(cfg.EncryptionMasterSecret, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewFSBlobStore(cfg.AttachmentDir)
	if err != nil {
		return nil, fmt.Errorf("attachment store: %w", err)
	}

	hub := websocket.NewHub(logger)
	logSender := notification.NewLogSender(logger)
	notifier := notification.NewManager(logSender, logSender, hub, notification.NewTemplateEngine())

	var analyzer analysis.Client = analysis.Disabled()
	if cfg.AnalysisServiceURL != "" {
		analyzer = analysis.NewHTTPClient(cfg.AnalysisServiceURL, cfg.AnalysisTimeout)
	} else {
		logger.Warn().Msg("ANALYSIS_SERVICE_URL not set: consultation analysis disabled")
	}
	metrics := telemetry.NewProvider()
	metrics.GaugeFunc("db_pool_total_connections", "Open database pool connections.", func() float64 {
		return float64(pool.Stat().TotalConns())
	})
	metrics.GaugeFunc("websocket_clients", "Connected realtime clients.", func() float64 {
		return float64(hub.ClientCount())
	})
	auditLog := metrics.Recorder(audit.NewLogger(audit.NewPGStore(pool), logger))

	apptRepo := appointment.NewRepoPG(pool)
	sessionRepo := consultation.NewSessionRepoPG(pool)

	reputationSvc := reputation.NewService(reputation.NewRepoPG(pool), logger)
	doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), apptRepo)
	unavailSvc := unavailability.NewService(unavailability.NewRepoPG(pool), apptRepo, doctorSvc, notifier, hub, logger)
	ledger := appointment.NewLedger(apptRepo, cfg.QueueSlotMinutes, unavailSvc, consultation.Lookup(sessionRepo), reputationSvc, logger)
	apptSvc := appointment.NewService(apptRepo, ledger, doctorSvc, reputationSvc, hub, logger)

	consSvc := consultation.NewService(consultation.Deps{
		Sessions:      sessionRepo,
		Messages:      consultation.NewMessageRepoPG(pool),
		Notes:         consultation.NewNotesRepoPG(pool),
		Prescriptions: consultation.NewPrescriptionRepoPG(pool),
		Appointments:  apptSvc,
		Links:         doctorSvc,
		Vault:         vault,
		Blobs:         blobs,
		Audit:         auditLog,
		Notifier:      notifier,
		Events:        hub,
		Analysis:      analyzer,
		Logger:        logger,
	})

	return &app{
		hub:          hub,
		notifier:     notifier,
		reputation:   reputationSvc,
		doctors:      doctorSvc,
		unavail:      unavailSvc,
		appointments: apptSvc,
		consults:     consSvc,
		audit:        auditLog,
		metrics:      metrics,
	}, nil
}

// jobFuncs are the bodies of the periodic jobs.
type jobFuncs struct {
	sweepSuspensions func(ctx context.Context) error
	notify           func(ctx context.Context) error
}

func (a *app) jobFuncs() jobFuncs {
	return jobFuncs{
		sweepSuspensions: a.reputation.LiftExpiredSuspensions,
		notify: func(ctx context.Context) error {
			if _, err := a.unavail.DispatchNotifications(ctx); err != nil {
				return err
			}
			a.notifier.RetryFailed(ctx)
			return nil
		},
	}
}

func registerJobs(sched *jobs.Scheduler, cfg *config.Config, fns jobFuncs) error {
	if err := sched.Register(jobs.Job{
		Name:     "suspension-sweep",
		Schedule: cfg.SuspensionSweepSchedule,
		Timeout:  time.Minute,
		Run:      fns.sweepSuspensions,
	}); err != nil {
		return err
	}
	return sched.Register(jobs.Job{
		Name:     "unavailability-notifications",
		Schedule: cfg.NotificationSchedule,
		Timeout:  time.Minute,
		Run:      fns.notify,
	})
}

// authMiddleware picks token validation according to AUTH_MODE.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.JWTSigningKey != "" {
		jc.SigningKey = []byte(cfg.JWTSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

// accessRecorder writes every API access into the audit log.
func accessRecorder(rec audit.Recorder) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(e middleware.AuditEntry) error {
		actor := "system"
		for _, preferred := range []string{auth.RoleDoctor, auth.RolePatient, auth.RoleAdmin} {
			if hasRole(e.UserRoles, preferred) {
				actor = preferred
				break
			}
		}
		rec.Record(context.Background(), audit.Entry{
			Timestamp:      e.Timestamp,
			ActorType:      actor,
			ActorID:        e.UserID,
			Action:         audit.ActionHTTPAccess,
			ResourceType:   e.ResourceType,
			ResourceID:     e.ResourceID,
			ConsultationID: e.ConsultationID,
			Details: map[string]any{
				"method":     e.Method,
				"path":       e.Path,
				"status":     e.StatusCode,
				"access":     e.Action,
				"request_id": e.RequestID,
				"ip":         e.IPAddress,
			},
		})
		return nil
	})
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func newServer(cfg *config.Config, a *app, health echo.HandlerFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Dev-User", "X-Dev-Name", "X-Dev-Roles"},
	}))

	e.GET("/health", health)
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMiddleware(cfg))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger, accessRecorder(a.audit)))

	appointment.NewHandler(a.appointments).RegisterRoutes(apiV1)
	doctor.NewHandler(a.doctors).RegisterRoutes(apiV1)
	reputation.NewHandler(a.reputation).RegisterRoutes(apiV1)
	unavailability.NewHandler(a.unavail).RegisterRoutes(apiV1)
	consultation.NewHandler(a.consults).RegisterRoutes(apiV1)
	notification.NewHandler(a.notifier).RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	sched := jobs.NewScheduler(logger)
	if cfg.JobsEnabled {
		if err := registerJobs(sched, cfg, a.jobFuncs()); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule jobs")
		}
		for _, j := range sched.Jobs() {
			logger.Info().Str("job", j.Name).Str("schedule", j.Schedule).Msg("job scheduled")
		}
		sched.Start()
	}

	e := newServer(cfg, a, db.HealthHandler(serviceName, db.PoolChecker(pool)), logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.JobsEnabled {
		sched.Stop(ctx)
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
