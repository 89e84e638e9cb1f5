package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/linlurui/decentri-license/internal/archive"
	"github.com/linlurui/decentri-license/internal/chainlog"
	"github.com/linlurui/decentri-license/internal/config"
	apperrors "github.com/linlurui/decentri-license/internal/errors"
	"github.com/linlurui/decentri-license/internal/infrastructure"
	"github.com/linlurui/decentri-license/internal/license"
	appmw "github.com/linlurui/decentri-license/internal/middleware"
	"github.com/linlurui/decentri-license/internal/security"
	transport "github.com/linlurui/decentri-license/internal/transport/http"
	ws "github.com/linlurui/decentri-license/internal/websocket"
	"github.com/linlurui/decentri-license/pkg/contracts"
)

// AppName is reported in logs and version strings.
const AppName = "license-server"

const healthCheckTimeout = 5 * time.Second

// Application is the server's dependency container.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	OTel    *infrastructure.OTelProviders
	Store   *chainlog.Store
	Archive archive.Archive
	Manager *license.Manager
	Hub     *ws.Hub
	Router  *chi.Mux
	Server  *http.Server

	ownsLogger bool
	stopEvents func()

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	stopOnce sync.Once
	stopErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger *slog.Logger
	anchor *security.TrustAnchor
	clock  func() time.Time
}

// WithLogger uses logger instead of initializing the global one from config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTrustAnchor overrides both the compiled-in root and the configured
// root key file.
func WithTrustAnchor(anchor security.TrustAnchor) Option {
	return func(o *options) { o.anchor = &anchor }
}

// WithClock sets the manager's clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds the application from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Application{Config: cfg, Logger: o.logger}
	if a.Logger == nil {
		logger, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
		a.ownsLogger = true
	}
	a.Logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("storage_dir", cfg.License.StorageDir),
		slog.String("archive_backend", cfg.License.ArchiveBackend))

	if err := a.initialize(o); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Application) initialize(o options) error {
	var err error
	cfg := a.Config

	if a.OTel, err = infrastructure.InitializeOTel(cfg.OTel, a.Logger); err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	if a.Store, err = chainlog.NewStore(cfg.License.StorageDir,
		chainlog.WithLogger(a.Logger),
		chainlog.WithVerifyConcurrency(cfg.License.AuditConcurrency),
	); err != nil {
		return fmt.Errorf("failed to open chain store: %w", err)
	}
	if a.Archive, err = archive.Open(cfg.License.ArchiveBackend, cfg.License.ArchivePath); err != nil {
		return fmt.Errorf("failed to open license archive: %w", err)
	}

	if a.Manager, err = a.newManager(o); err != nil {
		return err
	}
	if err := a.loadLicenseState(context.Background()); err != nil {
		return err
	}

	hubMetrics, err := ws.NewHubMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(cfg.WebSocket, a.Logger, hubMetrics)
	a.stopEvents = ws.ForwardLicenseEvents(a.Hub, a.Manager)

	if err := a.setupRouter(); err != nil {
		return err
	}
	a.Server = &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return nil
}

func (a *Application) newManager(o options) (*license.Manager, error) {
	lc := a.Config.License

	anchor, err := a.trustAnchor(o)
	if err != nil {
		return nil, err
	}
	metrics, err := license.InitializeMetrics(a.OTel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}

	sealing := security.DefaultEncryptionConfig()
	if lc.SealingCost > 0 {
		sealing.SCryptN = lc.SealingCost
	}

	managerOpts := []license.Option{
		license.WithTrustAnchor(anchor),
		license.WithArchive(a.Archive),
		license.WithLogger(a.Logger),
		license.WithMetrics(metrics),
		license.WithAppID(lc.AppID),
		license.WithLicenseCode(lc.LicenseCode),
		license.WithCacheTTL(lc.CacheMinTTL, lc.CacheMaxTTL),
		license.WithActivationLimit(rate.Limit(lc.ActivationRate), lc.ActivationBurst),
		license.WithSealing(sealing),
	}
	if o.clock != nil {
		managerOpts = append(managerOpts, license.WithClock(o.clock))
	}
	if lc.PrivateKeyFile != "" {
		pem, err := os.ReadFile(lc.PrivateKeyFile)
		if err != nil {
			return nil, apperrors.NewConfigError("failed to read license private key file", err)
		}
		managerOpts = append(managerOpts, license.WithLicensePrivateKey(string(pem)))
	}

	m, err := license.NewManager(a.Store, managerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create license manager: %w", err)
	}
	return m, nil
}

func (a *Application) trustAnchor(o options) (security.TrustAnchor, error) {
	if o.anchor != nil {
		return *o.anchor, nil
	}
	lc := a.Config.License
	if lc.RootKeyFile == "" {
		return security.DefaultTrustAnchor(), nil
	}
	pem, err := os.ReadFile(lc.RootKeyFile)
	if err != nil {
		return security.TrustAnchor{}, apperrors.NewConfigError("failed to read root key file", err)
	}
	alg, err := security.ParseAlgorithm(lc.RootKeyAlgorithm)
	if err != nil {
		return security.TrustAnchor{}, apperrors.NewConfigError("invalid root key algorithm", err)
	}
	return security.TrustAnchor{PublicKeyPEM: string(pem), Algorithm: alg}, nil
}

// loadLicenseState installs the product key and, for a concrete license
// code, resumes the stored chain. A missing chain is not an error: the
// license simply has not been activated on this device yet.
func (a *Application) loadLicenseState(ctx context.Context) error {
	lc := a.Config.License
	if lc.ProductKeyFile != "" {
		content, err := os.ReadFile(lc.ProductKeyFile)
		if err != nil {
			return apperrors.NewConfigError("failed to read product key file", err)
		}
		if err := a.Manager.SetTrustAnchorKey(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to install product key: %w", err)
		}
	}

	code := strings.TrimSpace(lc.LicenseCode)
	if code == "" || strings.EqualFold(code, license.CodeAuto) || strings.EqualFold(code, license.CodeTemp) {
		return nil
	}
	if err := a.Manager.LoadStored(ctx, code); err != nil {
		a.Logger.WarnContext(ctx, "No usable stored license chain",
			slog.String("error", err.Error()))
		return nil
	}
	status := a.Manager.GetStatus(ctx)
	a.Logger.InfoContext(ctx, "Resumed stored license chain",
		slog.String("status", string(status.Status)),
		slog.Uint64("state_index", status.StateIndex))
	return nil
}

func (a *Application) setupRouter() error {
	errHandler := apperrors.NewErrorHandler(a.Logger, a.Config.Logging.Development)

	otelMiddleware, err := appmw.NewOTelMiddleware(a.OTel.Tracer, a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create http instrumentation: %w", err)
	}

	licenseHandler := transport.NewLicenseHandler(a.Manager, appmw.NewRequestValidator(a.Logger),
		errHandler, a.Logger, a.Config.Server.WriteTimeout)
	healthHandler := transport.NewHealthHandler(license.NewHealthCheck(a.Manager, healthCheckTimeout),
		map[string]transport.StatsProvider{"websocket": a.Hub}, a.Logger)

	r := chi.NewRouter()
	r.Use(appmw.RequestID)
	r.Use(appmw.RealIP)

	// The upgrade and the scrape endpoint stay outside the API chain so the
	// connection can be hijacked and scrapes are not rate limited.
	r.Group(func(r chi.Router) {
		r.Use(appmw.StructuredLogger(a.Logger))
		r.Handle("/ws", ws.NewHandler(a.Hub, a.Config.Security.AllowedOrigins))
		r.Handle("/metrics", transport.NewMetricsHandler(a.OTel.MetricsHandler, errHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(otelMiddleware.Handler)
		r.Use(apperrors.NewErrorMiddleware(errHandler, a.Logger).Handler)
		r.Use(appmw.SecurityHeaders)
		if cors := appmw.CORS(a.Config.Security); cors != nil {
			r.Use(cors)
		}
		if rl := a.Config.Security.RateLimit; rl.Enabled {
			r.Use(appmw.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, errHandler).Handler)
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/api/license", licenseHandler.Routes())
		r.Mount("/healthz", healthHandler.Routes())
	})

	r.NotFound(errHandler.NotFound)
	r.MethodNotAllowed(errHandler.MethodNotAllowed)

	a.Router = r
	return nil
}

// Start listens on the configured address and serves in the background.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.serveErr = make(chan error, 1)
	a.mu.Unlock()

	a.Hub.Start()

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server error", slog.String("error", err.Error()))
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", ln.Addr().String()),
		slog.String("license_status", string(a.Manager.GetStatus(ctx).Status)))
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the server down and releases every resource. It is safe to
// call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		if a.Server != nil {
			if err := a.Server.Shutdown(shutdownCtx); err != nil {
				a.stopErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}
		a.release(shutdownCtx)
		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return a.stopErr
}

// release closes what initialize opened, in reverse order.
func (a *Application) release(ctx context.Context) {
	if a.stopEvents != nil {
		a.stopEvents()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Manager != nil {
		a.Manager.Close()
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing license archive", slog.String("error", err.Error()))
		}
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
	if a.ownsLogger {
		_ = infrastructure.CloseLogFile()
	}
}

// Run starts the application and blocks until SIGINT/SIGTERM, ctx is done
// or the server fails.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Received shutdown signal")
	case err, ok := <-a.serveErr:
		if ok {
			serveErr = err
		}
	}

	if err := a.Stop(context.Background()); err != nil {
		return err
	}
	return serveErr
}
