// Package gateway is the HTTP surface of Nexus: it authenticates callers,
// runs one conversation per chat request through the Controller and streams
// the result back as server-sent events or WebSocket messages.
package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/m4xw311/nexus/agent"
	"github.com/m4xw311/nexus/auth"
	"github.com/m4xw311/nexus/config"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/llm"
	"github.com/m4xw311/nexus/metrics"
	"github.com/m4xw311/nexus/prompt"
	"github.com/m4xw311/nexus/stream"
	"github.com/m4xw311/nexus/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownGrace bounds how long Run waits for in-flight streams on shutdown.
const shutdownGrace = 10 * time.Second

const defaultMaxBodyBytes = 1 << 20

// Options are the collaborators of a Server.
type Options struct {
	Config      *config.Config
	Client      llm.LLMClient
	Opener      tools.Opener
	Instruction *prompt.Instruction
	Logger      *slog.Logger
	// Registry receives the gateway metrics and backs the metrics route.
	// A nil Registry disables both.
	Registry *prometheus.Registry
	// Heartbeat overrides the SSE keepalive interval.
	Heartbeat time.Duration
}

type Server struct {
	cfg        *config.Config
	controller *Controller
	auth       auth.Authenticator
	issuer     *auth.JWTAuthenticator
	creds      auth.Credentials
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	logger     *slog.Logger
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
	router     *gin.Engine
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("gateway needs a config")
	}
	if opts.Client == nil || opts.Opener == nil {
		return nil, errors.New("gateway needs an LLM client and a tool opener")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instruction := opts.Instruction
	if instruction == nil {
		var err error
		if instruction, err = prompt.Load(cfg.SystemPromptFile); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:       cfg,
		registry:  opts.Registry,
		logger:    logger,
		heartbeat: opts.Heartbeat,
		creds: auth.Credentials{
			Username:     cfg.Auth.AdminUsername,
			PasswordHash: cfg.Auth.AdminPasswordHash,
		},
	}
	if s.heartbeat == 0 {
		s.heartbeat = stream.DefaultHeartbeat
	}
	if opts.Registry != nil {
		s.metrics = metrics.New(opts.Registry)
	}

	if cfg.Auth.Disabled {
		s.auth = auth.NopAuthenticator{}
	} else {
		if cfg.Auth.Secret == "" {
			return nil, errors.New("JWT secret is required unless auth is disabled")
		}
		s.issuer = auth.NewJWTAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		s.auth = s.issuer
	}

	s.controller = &Controller{
		Agent: agent.Agent{
			Client:       opts.Client,
			System:       instruction.Text,
			MaxSteps:     cfg.MaxSteps,
			ModelTimeout: cfg.ModelTimeout,
		},
		Opener:  opts.Opener,
		Window:  cfg.HistoryWindow,
		Metrics: s.metrics,
		Logger:  logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.router = s.routes()
	return s, nil
}

// Controller exposes the request controller, e.g. for the ask command.
func (s *Server) Controller() *Controller {
	return s.controller
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), RequestLogger(s.logger, s.metrics), CORS(s.cfg.CORSAllowOrigin))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	rt := s.cfg.Routes
	r.GET(rt.Health, s.handleHealth)
	if s.issuer != nil {
		r.POST(rt.Login, s.handleLogin)
	}
	if s.registry != nil {
		r.GET(rt.Metrics, gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	r.POST(rt.Chat, AuthMiddleware(s.auth, false), s.handleChat)
	r.GET(rt.ChatWS, AuthMiddleware(s.auth, true), s.handleChatWS)
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to shutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "gateway server failed")
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrapf(err, "gateway shutdown failed")
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad request"})
		return
	}
	if !s.creds.Check(req.Username, req.Password) {
		logger.Info("login rejected", "username", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	token, err := s.issuer.Issue(req.Username, "admin")
	if err != nil {
		logger.Error("failed to issue token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errTextInternal})
		return
	}
	logger.Info("login accepted", "username", req.Username)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleChat(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody())
	req, err := ParseChatRequest(body)
	if err != nil {
		logger.Info("malformed chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": errTextBadRequest})
		return
	}
	logger.Info("chat request accepted", "messages", len(req.Messages), "role", identity(c).Role)

	_, err = s.controller.Converse(c.Request.Context(), req, func() stream.Writer {
		return stream.NewSSEWriter(c.Writer, s.heartbeat)
	}, logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errTextInternal})
	}
}

func (s *Server) handleChatWS(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Info("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxBody())
	w := stream.NewWSWriter(conn)

	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Info("websocket closed before request", "error", err)
		_ = w.Close()
		return
	}
	req, err := ParseChatRequest(bytes.NewReader(data))
	if err != nil {
		logger.Info("malformed chat request", "error", err)
		_ = stream.NewEncoder(w).Error(errTextBadRequest)
		return
	}
	logger.Info("chat request accepted", "messages", len(req.Messages), "role", identity(c).Role, "transport", "websocket")

	// The client signals disconnect by closing the socket; watch for it
	// so the loop stops early.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	_, err = s.controller.Converse(ctx, req, func() stream.Writer { return w }, logger)
	if err != nil {
		_ = stream.NewEncoder(w).Error(errTextInternal)
	}
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBodyBytes > 0 {
		return s.cfg.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.CORSAllowOrigin
	origin := r.Header.Get("Origin")
	return allowed == "*" || origin == "" || origin == allowed
}
