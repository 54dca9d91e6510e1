package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/andred88/bth-lab/pkg/audit"
	"github.com/andred88/bth-lab/pkg/auth"
	"github.com/andred88/bth-lab/pkg/engine"
	"github.com/andred88/bth-lab/pkg/execx"
	"github.com/andred88/bth-lab/pkg/httpx"
	"github.com/andred88/bth-lab/pkg/ledger"
	"github.com/andred88/bth-lab/pkg/metrics"
	"github.com/andred88/bth-lab/pkg/models"
	"github.com/andred88/bth-lab/pkg/nftables"
	"github.com/andred88/bth-lab/pkg/ratelimit"
	"github.com/andred88/bth-lab/pkg/roles"
	"github.com/andred88/bth-lab/pkg/store"
	"github.com/andred88/bth-lab/pkg/stream"
	"github.com/andred88/bth-lab/pkg/telemetry"
	"github.com/andred88/bth-lab/pkg/unbound"
	"github.com/andred88/bth-lab/pkg/users"
)

// Narrow views of the stores so handler tests can fake them.
type sessionEngine interface {
	Login(ctx context.Context, userID uuid.UUID, username, ip, roleName string) (models.Session, error)
	Logout(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	AdminDisconnect(ctx context.Context, adminID uuid.UUID, ip string) (*models.Session, error)
	AdminDisconnectSession(ctx context.Context, adminID, sessionID uuid.UUID) (*models.Session, error)
	StatusOf(ctx context.Context, ip string) (*models.Session, error)
	SweepOnce(ctx context.Context) (int, error)
}

type userStore interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	Create(ctx context.Context, username, password string, roleID uuid.UUID) (*models.User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, password string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]models.User, error)
}

type roleStore interface {
	List(ctx context.Context) ([]models.Role, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Role, error)
	UpdateDuration(ctx context.Context, id uuid.UUID, seconds int) error
	AddBlockedSite(ctx context.Context, roleID uuid.UUID, domain string) (*models.BlockedSite, error)
	RemoveBlockedSite(ctx context.Context, id uuid.UUID) (*models.BlockedSite, error)
	BlockedDomains(ctx context.Context, roleID uuid.UUID) ([]string, error)
}

type sessionReader interface {
	ListActive(ctx context.Context) ([]models.Session, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type auditReader interface {
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

type dnsPolicy interface {
	AddDomainRule(ctx context.Context, viewName, domain, action string) error
	RemoveDomainRule(ctx context.Context, viewName, domain string) error
}

type recorder interface {
	Record(userID uuid.UUID, action string, details any)
}

type Server struct {
	Engine      sessionEngine
	Users       userStore
	Roles       roleStore
	Sessions    sessionReader
	AuditLog    auditReader
	Audit       recorder
	Resolver    dnsPolicy
	Issuer      *auth.Issuer
	Events      *stream.Hub
	Metrics     *metrics.Registry
	LoginLimit  ratelimit.Limiter
	ClientIP    *httpx.ClientIPResolver
	MaxBodySize int64
}

type portalInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type portalOpenDBFunc func(ctx context.Context) (portalDBCloser, error)
type portalOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type portalListenFunc func(server *http.Server) error
type portalStartLoopsFunc func(eng *engine.Engine)

// portalDBCloser is what the stores need from pgxpool.Pool.
type portalDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (portalDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(eng *engine.Engine) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := eng.ReconcileStartup(ctx); err != nil {
				log.Printf("portald: startup reconciliation: %v", err)
			}
		}()
		go eng.SweepLoop(context.Background())
	}
)

func main() {
	if err := runPortal(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("portald: %v", err)
	}
}

func runPortal(
	initTelemetry portalInitTelemetryFunc,
	openDB portalOpenDBFunc,
	openRedis portalOpenRedisFunc,
	listen portalListenFunc,
	startLoops portalStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "portald")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	runner := &execx.ExecRunner{
		Timeout: time.Second * time.Duration(envInt("EXEC_TIMEOUT_SEC", 10)),
	}
	fw := &nftables.Adapter{
		Runner: runner,
		Family: env("NFT_FAMILY", "inet"),
		Table:  env("NFT_TABLE", "filter"),
	}
	resolver := &unbound.Adapter{
		Runner:   runner,
		ConfPath: env("UNBOUND_CONF", "/etc/unbound/unbound.conf"),
		ViewFile: env("UNBOUND_VIEW_FILE", "/etc/unbound/conf.d/access-view.conf"),
	}

	registry := metrics.NewRegistry()
	hub := stream.NewHub()
	auditWriter := &audit.Writer{DB: pool}
	auditSink := audit.NewSink(auditWriter, envInt("AUDIT_QUEUE_DEPTH", 256))
	defer auditSink.Close()

	sessionStore := ledger.New(pool)
	roleStore := roles.New(pool, store.NewCache(ctx, redisClient))
	userStore := users.New(pool)

	eng := engine.New(engine.Config{
		Ledger:        sessionStore,
		Roles:         roleStore,
		Firewall:      fw,
		Resolver:      resolver,
		Audit:         auditSink,
		Events:        hub,
		Metrics:       registry,
		SweepInterval: time.Second * time.Duration(envInt("SWEEP_INTERVAL_SEC", 60)),
		RebindOnStart: env("REBIND_ON_START", "true") == "true",
	})

	secret := env("JWT_SECRET", "")
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	issuer := auth.NewIssuer(secret, time.Second*time.Duration(envInt("TOKEN_TTL_SEC", 86400)))

	var limiter ratelimit.Limiter
	loginLimit := envInt("LOGIN_RATE_LIMIT", 5)
	loginWindow := time.Second * time.Duration(envInt("LOGIN_RATE_WINDOW_SEC", 60))
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, loginLimit, loginWindow)
	} else {
		limiter = ratelimit.NewInMemory(loginLimit, loginWindow)
	}

	s := &Server{
		Engine:      eng,
		Users:       userStore,
		Roles:       roleStore,
		Sessions:    sessionStore,
		AuditLog:    auditWriter,
		Audit:       auditSink,
		Resolver:    resolver,
		Issuer:      issuer,
		Events:      hub,
		Metrics:     registry,
		LoginLimit:  limiter,
		ClientIP:    httpx.NewClientIPResolver(env("TRUSTED_PROXY_CIDRS", "")),
		MaxBodySize: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	if startLoops != nil {
		startLoops(eng)
	}

	addr := env("ADDR", ":8080")
	log.Printf("portald listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("portald"))
	r.Use(s.limitRequestBody)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/auth/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.Issuer.Middleware)
		r.Post("/api/auth/logout", s.handleLogout)
		r.Get("/api/roles", s.handleListRoles)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Issuer.Middleware)
		r.Use(auth.RequireAdmin)
		r.Get("/api/admin/sessions", s.handleListSessions)
		r.Post("/api/admin/disconnect", s.handleDisconnect)
		r.Post("/api/admin/disconnect/{id}", s.handleDisconnectSession)
		r.Get("/api/admin/stats", s.handleStats)
		r.Get("/api/admin/logs", s.handleLogs)
		r.Get("/api/admin/users", s.handleListUsers)
		r.Post("/api/admin/users", s.handleCreateUser)
		r.Put("/api/admin/users/{id}", s.handleUpdateUserPassword)
		r.Delete("/api/admin/users/{id}", s.handleDeleteUser)
		r.Put("/api/admin/roles/{id}", s.handleUpdateRole)
		r.Get("/api/admin/blocked-sites/{id}", s.handleListBlockedSites)
		r.Post("/api/admin/blocked-sites", s.handleBlockSite)
		r.Delete("/api/admin/blocked-sites/{id}", s.handleUnblockSite)
		r.Get("/api/admin/stream", s.handleStream)
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		s.Metrics.Observe(req.URL.Path, sw.status, time.Since(start))
	})
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Body != nil && s.MaxBodySize > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, s.MaxBodySize)
		}
		next.ServeHTTP(w, req)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the server's writer so
// the websocket upgrade can hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
