package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"signaltrader/internal/accounts"
	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
	"signaltrader/internal/service/risk"
	"signaltrader/internal/service/trading"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type Server struct {
	cfg       config.Config
	pipeline  *trading.Pipeline
	directory accounts.Directory
	store     ledger.Store
	breaker   *risk.Breaker
}

func NewServer(
	cfg config.Config,
	pipeline *trading.Pipeline,
	directory accounts.Directory,
	store ledger.Store,
	breaker *risk.Breaker,
) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		directory: directory,
		store:     store,
		breaker:   breaker,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(monitor chi.Router) {
		monitor.Use(s.requireMonitor)
		monitor.Post("/signal", s.handleSignal)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Get("/admin/accounts", s.handleListAccounts)
		protected.Get("/admin/positions", s.handleListPositions)
		protected.Get("/admin/summary", s.handleSummary)
		protected.Post("/admin/breaker/trip", s.handleBreakerTrip)
		protected.Post("/admin/breaker/reset", s.handleBreakerReset)
		protected.Post("/admin/signals/execute", s.handleExecuteSignal)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

// handleSignal ingests one raw payload from the channel monitor. The body
// is the payload itself, either signal JSON or plain channel text.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	res, err := s.pipeline.HandleInbound(r.Context(), string(raw))
	if errors.Is(err, trading.ErrNotASignal) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ignored": true,
			"reason":  "no trade signal recognized",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ids := s.directory.ListAccountIDs()
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		profile, err := s.directory.RiskProfile(id)
		if err != nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"account_id": id,
			"risk":       profile,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID = s.cfg.DefaultAccountID
	}
	positions, err := s.store.ListOpenPositions(accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"positions":  positions,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID = s.cfg.DefaultAccountID
	}
	profile, err := s.directory.RiskProfile(accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	counter, err := s.breaker.Today(accountID, profile)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	positions, err := s.store.ListOpenPositions(accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	equity, equityErr := s.directory.Equity(r.Context(), accountID)
	summary := map[string]interface{}{
		"account_id":       accountID,
		"trading_date":     counter.TradingDate,
		"realized_loss":    counter.RealizedLossUsdt,
		"daily_loss_limit": profile.DailyLossLimitUsdt,
		"breaker_tripped":  counter.BreakerTripped,
		"open_positions":   len(positions),
	}
	if equityErr == nil {
		summary["equity"] = equity
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	s.handleBreakerToggle(w, r, true)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.handleBreakerToggle(w, r, false)
}

func (s *Server) handleBreakerToggle(w http.ResponseWriter, r *http.Request, trip bool) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		req.AccountID = s.cfg.DefaultAccountID
	}
	profile, err := s.directory.RiskProfile(req.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if trip {
		err = s.breaker.Trip(req.AccountID, profile)
	} else {
		err = s.breaker.Reset(req.AccountID, profile)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"account_id": req.AccountID,
		"tripped":    trip,
	})
}

// handleExecuteSignal lets an operator run a signal by hand, either for one
// account or broadcast like a live signal.
func (s *Server) handleExecuteSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Payload   string `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if req.AccountID == "" {
		res, err := s.pipeline.HandleInbound(r.Context(), req.Payload)
		if errors.Is(err, trading.ErrNotASignal) {
			writeError(w, http.StatusBadRequest, "payload is not a trade signal")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sig, err := s.pipeline.ParseOnly(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not a trade signal")
		return
	}
	outcome := s.pipeline.ExecuteForAccount(r.Context(), req.AccountID, sig)
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(12 * time.Hour)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireMonitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MonitorAPIKey != "" {
			key := r.Header.Get("X-Monitor-Api-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.MonitorAPIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid monitor api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
