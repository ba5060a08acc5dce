package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/sessions"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/petermazzocco/garment-catalog/internal/auth"
	"github.com/petermazzocco/garment-catalog/internal/blobstore"
	"github.com/petermazzocco/garment-catalog/internal/catalog"
	"github.com/petermazzocco/garment-catalog/internal/config"
	"github.com/petermazzocco/garment-catalog/internal/garment"
	"github.com/petermazzocco/garment-catalog/internal/handlers"
	"github.com/petermazzocco/garment-catalog/internal/imaging"

	// Register storage backends.
	_ "github.com/petermazzocco/garment-catalog/internal/blobstore/badger"
	_ "github.com/petermazzocco/garment-catalog/internal/blobstore/database"
	_ "github.com/petermazzocco/garment-catalog/internal/blobstore/s3"
)

var log = logrus.WithField("logger", "api")

func newServeCmd() *cobra.Command {
	var (
		addr    string
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server.

Settings come from the environment, optionally seeded from an env file.

Examples:
  api serve
  api serve --addr :8080 --env-file /etc/garments/api.env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file to load; missing is fine")
	return cmd
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(lvl)
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("LOG_FORMAT %q is not text or json", format)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	cat := catalog.New(db)
	if err := cat.Migrate(); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	blobs, err := blobstore.Open(ctx, cfg.BlobBackend, cfg.BlobConfig(), blobstore.Deps{
		DB:         db,
		HTTPClient: newHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("open %s blob store: %w", cfg.BlobBackend, err)
	}
	defer blobs.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := garment.NewManager(cat, blobs, garment.Options{
		Limits: garment.Limits{
			MaxPreviewBytes: cfg.MaxPreviewBytes,
			MaxModelBytes:   cfg.MaxModelBytes,
		},
		BlobTimeout: cfg.BlobTimeout,
		Inspect:     imaging.Inspect,
		Metrics:     garment.NewMetrics(reg),
	})

	store := newSessionStore(cfg)
	gothic.Store = store
	goth.UseProviders(google.New(cfg.GoogleKey, cfg.GoogleSecret, cfg.GoogleCallbackURL))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, db, manager, store),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.MetricsAddr, reg)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.Addr).
			WithField("blob_backend", cfg.BlobBackend).
			WithField("backends", blobstore.Backends()).
			Info("starting API server")
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("starting metrics server")
		errCh <- metricsSrv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
}

// newRouter builds the public API router. Metrics are not mounted here.
func newRouter(cfg *config.Config, db *gorm.DB, manager *garment.Manager, store sessions.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		handlers.StatusHandler(w, r, cfg.Version)
	})

	// User auth
	r.Get("/auth/{provider}", func(w http.ResponseWriter, r *http.Request) {
		if gothUser, err := gothic.CompleteUserAuth(w, r); err == nil {
			fmt.Fprintf(w, "User already authenticated: %s\n", gothUser.Name)
		} else {
			gothic.BeginAuthHandler(w, r)
		}
	})
	r.Get("/auth/{provider}/callback", func(w http.ResponseWriter, r *http.Request) {
		handlers.UserLoginHandler(w, r, db, store)
	})
	r.Post("/logout/{provider}", func(w http.ResponseWriter, r *http.Request) {
		handlers.LogoutHandler(w, r, store)
	})

	// Available API routes for authenticated users
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.UserMiddleware(store))
		r.Use(httprate.Limit(
			cfg.RateLimitPerMinute,
			1*time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		))
		handlers.GarmentRoutes(r, manager, cfg.RequestLimit())
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			handlers.GetUserHandler(w, r, db)
		})
	})
	return r
}

// newMetricsServer serves reg on its own listener, meant to be bound to a
// loopback or cluster-internal address that only the scraper reaches.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newSessionStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.MaxAge(cfg.SessionMaxAge)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.Secure = cfg.SessionSecure
	return store
}

// newHTTPClient pins the TLS versions and cipher suites used to talk to
// object storage.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		},
	}
	return &http.Client{Transport: tr}
}
