package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/finepair/internal/auth"
	"github.com/dukerupert/finepair/internal/database"
	"github.com/dukerupert/finepair/internal/handler"
	"github.com/dukerupert/finepair/internal/middleware"
	"github.com/dukerupert/finepair/internal/store"
	ws "github.com/dukerupert/finepair/internal/websocket"
)

var (
	// join codes are short, so guessing is throttled per user
	joinLimit = middleware.Limit{Requests: 10, Window: time.Minute}
	// socket upgrades happen before authentication
	connectLimit = middleware.Limit{Requests: 30, Window: time.Minute}
)

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	issuer      *auth.Issuer
	coupleH     *handler.CoupleHandler
	ruleH       *handler.RuleHandler
	violationH  *handler.ViolationHandler
	rewardH     *handler.RewardHandler
	profileH    *handler.ProfileHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, issuer *auth.Issuer, logger *slog.Logger) *Server {
	coupleStore := store.NewCoupleStore(db)
	ruleStore := store.NewRuleStore(db)
	violationStore := store.NewViolationStore(db)
	rewardStore := store.NewRewardStore(db)
	profileStore := store.NewProfileStore(db)

	access := handler.NewAccess(coupleStore, ruleStore, profileStore, logger.With("component", "access"))
	hub := ws.NewHub(access, logger.With("component", "websocket"))
	handlerLogger := logger.With("component", "handler")

	return &Server{
		db:          db,
		hub:         hub,
		issuer:      issuer,
		coupleH:     handler.NewCoupleHandler(coupleStore, access, hub, handlerLogger),
		ruleH:       handler.NewRuleHandler(ruleStore, access, hub, handlerLogger),
		violationH:  handler.NewViolationHandler(violationStore, coupleStore, access, hub, handlerLogger),
		rewardH:     handler.NewRewardHandler(rewardStore, access, hub, handlerLogger),
		profileH:    handler.NewProfileHandler(profileStore, access, hub, handlerLogger),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Hub returns the realtime hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	outerMux.HandleFunc("GET /health", s.healthHandler)
	connect := middleware.RateLimit(s.rateLimiter, "connect", middleware.KeyByIP, connectLimit)
	outerMux.Handle("GET /realtime/v1/websocket", connect(ws.HandleWebSocket(s.hub, s.authenticate)))

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.issuer)
	outerMux.Handle("/rest/v1/", authMiddleware(s.profileH.EnsureProfile(protectedMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rest/v1/couples", s.coupleH.List)
	mux.HandleFunc("POST /rest/v1/couples", s.coupleH.Create)
	mux.HandleFunc("PATCH /rest/v1/couples/{id}", s.coupleH.Update)
	mux.HandleFunc("POST /rest/v1/rpc/join_couple", s.rateLimited(s.coupleH.Join))

	mux.HandleFunc("GET /rest/v1/rules", s.ruleH.List)
	mux.HandleFunc("POST /rest/v1/rules", s.ruleH.Create)
	mux.HandleFunc("PATCH /rest/v1/rules/{id}", s.ruleH.Update)
	mux.HandleFunc("DELETE /rest/v1/rules/{id}", s.ruleH.Delete)

	mux.HandleFunc("GET /rest/v1/violations", s.violationH.List)
	mux.HandleFunc("POST /rest/v1/violations", s.violationH.Create)
	mux.HandleFunc("DELETE /rest/v1/violations/{id}", s.violationH.Delete)

	mux.HandleFunc("GET /rest/v1/rewards", s.rewardH.List)
	mux.HandleFunc("POST /rest/v1/rewards", s.rewardH.Create)
	mux.HandleFunc("PATCH /rest/v1/rewards/{id}", s.rewardH.Update)
	mux.HandleFunc("DELETE /rest/v1/rewards/{id}", s.rewardH.Delete)

	mux.HandleFunc("GET /rest/v1/profiles", s.profileH.List)
	mux.HandleFunc("PATCH /rest/v1/profiles/{id}", s.profileH.Update)

	mux.HandleFunc("/rest/v1/{table}", handler.UnknownTable)
	mux.HandleFunc("/rest/v1/{table}/{id}", handler.UnknownTable)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	ac, err := s.issuer.Parse(middleware.TokenFromRequest(r))
	if err != nil {
		return "", err
	}
	return ac.UserID, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	version, err := database.SchemaVersion(r.Context(), s.db)
	if err != nil {
		s.logger.Error("health check", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"schema_version": version,
		"clients":        s.hub.ClientCount(),
	})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, "join", middleware.KeyByUser, joinLimit)
	return rl(h).ServeHTTP
}
