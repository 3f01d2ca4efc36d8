// Package proxy is the core request dispatcher.
//
// The Server receives an incoming OpenAI-compatible request, validates it,
// coalesces it with identical in-flight requests, routes it to a model tier,
// drives the payment exchange, and relays the upstream response — buffered
// JSON or SSE — back to the client.
//
// Key design constraints:
//   - The listener binds loopback only; the proxy is a local sidecar.
//   - One proxy instance per process and port; a second Start returns a
//     delegating handle backed by the existing server.
//   - Request logger and payment engine are optional and nil-safe.
//   - All upstream I/O uses context.Context so deadlines propagate.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/clawrouter/clawrouter/internal/balance"
	"github.com/clawrouter/clawrouter/internal/catalog"
	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/internal/logger"
	"github.com/clawrouter/clawrouter/internal/metrics"
	"github.com/clawrouter/clawrouter/internal/payment"
	smartrouter "github.com/clawrouter/clawrouter/internal/router"
	"github.com/clawrouter/clawrouter/internal/upstream"
	"github.com/clawrouter/clawrouter/pkg/apierr"
)

const (
	chatCompletionsPath = "/v1/chat/completions"

	shutdownGrace = 4 * time.Second
)

// Handle is what callers keep after Start: enough to address the proxy and
// shut it down. A delegating handle (second Start on a bound port) reports
// the existing server's identity and its Close is a no-op.
type Handle interface {
	Port() int
	BaseURL() string
	WalletAddress() string
	Close() error
}

// Options carries the Server's injected dependencies.
type Options struct {
	Port     int
	Disabled bool

	Catalog  *catalog.Catalog
	Router   *smartrouter.Router
	Payment  *payment.Engine // nil when no wallet key is configured
	Upstream *upstream.Client
	Registry *dedup.Registry
	Balance  *balance.Monitor

	Logger    *slog.Logger
	ReqLogger *logger.Logger // optional
	Metrics   *metrics.Registry

	CB CBConfig
}

// Server is the running proxy.
type Server struct {
	port     int
	disabled bool

	cat      *catalog.Catalog
	router   *smartrouter.Router
	payment  *payment.Engine
	upstream *upstream.Client
	registry *dedup.Registry
	balance  *balance.Monitor
	breaker  *CircuitBreaker

	log       *slog.Logger
	reqLogger *logger.Logger
	metrics   *metrics.Registry

	baseCtx    context.Context
	baseCancel context.CancelFunc

	srv       *fasthttp.Server
	ln        net.Listener
	closeOnce sync.Once
}

var (
	singletonMu sync.Mutex
	active      *Server
)

// NewServer wires a Server from options without binding the port. Tests use
// this with an in-memory listener; production goes through Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Catalog == nil || opts.Router == nil || opts.Upstream == nil || opts.Registry == nil {
		return nil, fmt.Errorf("proxy: catalog, router, upstream, and registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Balance == nil {
		opts.Balance = balance.NewMonitor(nil, 0, opts.Logger)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		port:       opts.Port,
		disabled:   opts.Disabled,
		cat:        opts.Catalog,
		router:     opts.Router,
		payment:    opts.Payment,
		upstream:   opts.Upstream,
		registry:   opts.Registry,
		balance:    opts.Balance,
		breaker:    NewCircuitBreaker(opts.CB),
		log:        opts.Logger,
		reqLogger:  opts.ReqLogger,
		metrics:    opts.Metrics,
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        75 * time.Second,
		WriteTimeout:       75 * time.Second,
		MaxRequestBodySize: 2 * 1024 * 1024,
	}
	return s, nil
}

// Handler builds the routed, middleware-wrapped fasthttp handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST(chatCompletionsPath, s.dispatchChat)
	r.GET("/health", s.handleHealth)
	r.GET("/v1/models", s.handleModels)
	r.GET("/metrics", s.metrics.Handler())

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "unknown path",
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed",
			apierr.TypeInvalidRequest, apierr.CodeMethodNotAllowed)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)
}

// Start binds the loopback listener and serves in the background. If a proxy
// is already listening on the port — this process or a prior one — Start
// returns a delegating handle instead of an error.
func Start(opts Options) (Handle, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if active != nil && active.port == opts.Port {
		warnOnWalletMismatch(opts, active.WalletAddress())
		return &delegatingHandle{
			port:   active.port,
			wallet: active.WalletAddress(),
		}, nil
	}

	s, err := NewServer(opts)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// The port may be held by a prior proxy instance; ask it.
		if wallet, ok := probeWallet(opts.Port); ok {
			warnOnWalletMismatch(opts, wallet)
			s.baseCancel()
			return &delegatingHandle{port: opts.Port, wallet: wallet}, nil
		}
		s.baseCancel()
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}

	s.ln = ln
	go func() {
		if serveErr := s.srv.Serve(ln); serveErr != nil {
			s.log.Error("proxy server stopped", slog.String("error", serveErr.Error()))
		}
	}()

	s.log.Info("proxy listening",
		slog.String("addr", addr),
		slog.String("wallet", s.WalletAddress()),
		slog.Bool("disabled", s.disabled),
	)

	active = s
	return s, nil
}

func warnOnWalletMismatch(opts Options, existingWallet string) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	requested := ""
	if opts.Payment != nil {
		requested = opts.Payment.Address()
	}
	if requested != "" && existingWallet != "" && requested != existingWallet {
		log.Warn("existing proxy uses a different wallet",
			slog.String("existing", existingWallet),
			slog.String("requested", requested),
		)
	}
	log.Info("reusing existing proxy", slog.Int("port", opts.Port))
}

// probeWallet asks a possibly-running proxy on the port for its wallet.
func probeWallet(port int) (string, bool) {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var health struct {
		Status string `json:"status"`
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status != "ok" {
		return "", false
	}
	return health.Wallet, true
}

// Port returns the listening port.
func (s *Server) Port() int { return s.port }

// BaseURL returns the loopback base URL clients should target.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// WalletAddress reports the signing wallet, empty when none is configured.
func (s *Server) WalletAddress() string {
	if s.payment == nil {
		return ""
	}
	return s.payment.Address()
}

// Close stops accepting connections, waits up to the grace period for active
// requests, then force-closes. The port is rebindable when Close returns.
// Idempotent.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err = s.srv.ShutdownWithContext(shutdownCtx)
		if err != nil && s.ln != nil {
			_ = s.ln.Close()
		}
		s.baseCancel()

		singletonMu.Lock()
		if active == s {
			active = nil
		}
		singletonMu.Unlock()
	})
	return err
}

// delegatingHandle points at an already-running proxy. Close is a no-op: the
// handle does not own the server.
type delegatingHandle struct {
	port   int
	wallet string
}

func (h *delegatingHandle) Port() int       { return h.port }
func (h *delegatingHandle) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", h.port) }
func (h *delegatingHandle) WalletAddress() string {
	return h.wallet
}
func (h *delegatingHandle) Close() error { return nil }
