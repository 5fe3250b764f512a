// Package app is a small reference implementation of the hosted proxy and
// the token-issuing service the client talks to. It answers /api/token with
// signed credentials and forwards /api/prompt to the configured provider.
package app

import (
	"net/http"
	"time"

	"aiclient/internal/llm"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// App represents the proxy application with its router and upstream dispatcher.
type App struct {
	Router     *http.ServeMux
	Config     *llm.Config
	Dispatcher *llm.Dispatcher

	limits *rateLimiter
	now    func() time.Time
}

// Option configures an App.
type Option func(*App)

// WithDispatcher replaces the upstream dispatcher.
func WithDispatcher(d *llm.Dispatcher) Option {
	return func(a *App) { a.Dispatcher = d }
}

// WithClock replaces the clock used to stamp issued credentials.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// NewApp creates and initializes a new instance of the App struct.
func NewApp(cfg *llm.Config, opts ...Option) *App {
	app := &App{
		Router: http.NewServeMux(),
		Config: cfg,
		limits: newRateLimiter(cfg.Server.RatePerMinute),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.Dispatcher == nil {
		app.Dispatcher = llm.NewDispatcher(cfg.DispatcherOptions()...)
	}

	app.initializeRoutes()
	return app
}

func (a *App) initializeRoutes() {
	a.Router.HandleFunc("GET /status", a.handleStatus)
	a.Router.HandleFunc("POST /api/token", a.handleToken)
	a.Router.HandleFunc("POST /api/prompt", a.handlePrompt)
}

// ServeHTTP lets an App be used directly as an http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router.ServeHTTP(w, r)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode := "unconfigured"
	if a.Config.Direct().Complete() {
		mode = "direct"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": mode})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to write response")
	}
}

// writeError answers in the {"Error": "..."} shape clients probe for.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"Error": msg})
}
