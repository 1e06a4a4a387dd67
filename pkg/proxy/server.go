package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/config"
	"github.com/lkarlslund/gravitygate/pkg/oauth"
	"github.com/lkarlslund/gravitygate/pkg/quota"
	"github.com/lkarlslund/gravitygate/pkg/router"
	"github.com/lkarlslund/gravitygate/pkg/store"
	"github.com/lkarlslund/gravitygate/pkg/token"
	"github.com/lkarlslund/gravitygate/pkg/upstream"
)

type Server struct {
	store    *config.ServerConfigStore
	pool     *account.Pool
	tokens   *token.Manager
	tracker  *quota.Tracker
	router   *router.Router
	mappings store.MappingStore
	backend  *upstream.Client
	stats    *StatsStore

	httpServer          *http.Server
	retryLimit          int
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(configPath string, cfg *config.ServerConfig) (*Server, error) {
	cfgStore := config.NewServerConfigStore(configPath, cfg)
	credStore := store.NewFileCredentialStore(cfg.Pool.CredentialsPath)
	pool := account.NewPool(credStore, account.Options{
		StaleAfter:  time.Duration(cfg.Pool.QuotaStaleMinutes) * time.Minute,
		MinFraction: cfg.Pool.QuotaMinFraction,
	})
	if _, err := pool.Reload(); err != nil {
		return nil, fmt.Errorf("load account pool: %w", err)
	}
	tokens := token.NewManager(pool, oauth.NewClient(cfg.Upstream.TokenURL), token.Options{
		Margin:   time.Duration(cfg.Pool.RefreshMarginSeconds) * time.Second,
		Interval: time.Duration(cfg.Pool.RefreshIntervalSeconds) * time.Second,
	})
	backend := upstream.NewClient(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second)
	tracker := quota.NewTracker(pool, backend, tokens, quota.Options{
		Interval:  time.Duration(cfg.Pool.QuotaIntervalSeconds) * time.Second,
		CachePath: cfg.Pool.QuotaCachePath,
	})
	mappings := store.NewFileMappingStore(cfg.MappingsPath)

	s := &Server{
		store:      cfgStore,
		pool:       pool,
		tokens:     tokens,
		tracker:    tracker,
		router:     router.New(mappings),
		mappings:   mappings,
		backend:    backend,
		stats:      NewPersistentStatsStore(10000, cfg.StatsPath),
		retryLimit: cfg.Pool.RetryLimit,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(collapseDoubledPrefix)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Get("/models", s.handleOpenAIModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/messages", s.handleClaudeMessages)
		v1.Post("/messages/count_tokens", s.handleClaudeCountTokens)
	})

	r.Route("/v1beta", func(vb chi.Router) {
		vb.Use(s.authMiddleware)
		vb.Get("/models", s.handleGeminiModels)
		vb.Post("/models/{modelAction}", s.handleGeminiModelAction)
		vb.Post("/models/{model}/countTokens", s.handleGeminiCountTokens)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authMiddleware)
		api.Get("/quota/pool", s.handlePoolSnapshot)
		api.Post("/quota/pool/reload", s.handlePoolReload)
		api.Get("/quota/matrix", s.handleQuotaMatrix)
		api.Get("/quota/best-account", s.handleBestAccount)
		api.Get("/mappings", s.handleMappingsList)
		api.Post("/mappings", s.handleMappingsPut)
		api.Delete("/mappings/{id}", s.handleMappingsDelete)
		api.Get("/stats/summary", s.handleStatsSummary)
		api.Get("/stats/ws", s.handleUsageFeed)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the assembled router, used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Pool() *account.Pool { return s.pool }

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	go s.tokens.Run(ctx)
	go s.tracker.Run(ctx)

	if cfg.TLS.Enabled && cfg.TLS.Mode == "pem" {
		httpsSrv := s.cloneHTTPServer(cfg.TLS.ListenAddr)
		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "cert", cfg.TLS.CertPEM)
			if err := httpsSrv.ListenAndServeTLS(cfg.TLS.CertPEM, cfg.TLS.KeyPEM); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
		<-ctx.Done()
		s.shutdown(httpsSrv)
		return firstErr(errCh)
	}

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := s.cloneHTTPServer(cfg.TLS.ListenAddr)
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.shutdown(httpChallenge, httpsSrv)
		return firstErr(errCh)
	}

	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	s.shutdown(s.httpServer)
	return firstErr(errCh)
}

// cloneHTTPServer builds a new *http.Server sharing the gateway's handler and
// timeouts; http.Server cannot be copied by value once it embeds locks.
func (s *Server) cloneHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.httpServer.Handler,
		ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
		ReadTimeout:       s.httpServer.ReadTimeout,
		WriteTimeout:      s.httpServer.WriteTimeout,
		IdleTimeout:       s.httpServer.IdleTimeout,
	}
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.draining.Store(true)
	s.waitForProxyIdle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.stats.Flush()
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func isProxyPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/v1beta/")
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := isProxyPath(r.URL.Path)
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle() {
	deadline := time.Now().Add(30 * time.Second)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if time.Now().After(deadline) {
			log.Warn("shutdown: drain deadline reached", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxRequestBody = 32 << 20

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
}

// collapseDoubledPrefix fixes clients that append /v1beta to a base URL
// that already ends with it.
func collapseDoubledPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1beta/v1beta/") {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, "/v1beta")
		}
		next.ServeHTTP(w, r)
	})
}
