// Package api is the HTTP and WebSocket surface for viewers and commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/feed"
	"trading-alertsv1/internal/gateway"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"
	"trading-alertsv1/internal/store/sqlite"

	"github.com/gorilla/mux"
)

// TradeHistory is the read side of the closed-trade store.
type TradeHistory interface {
	GetTrades(ctx context.Context, clientID string, limit int) ([]sqlite.TradeRecord, error)
	GetStats(ctx context.Context, clientID string) (sqlite.Stats, error)
}

// Deps are the collaborators the handlers drive. Candles, History, Login,
// Health and Observe are optional.
type Deps struct {
	Sessions *session.Store
	Feeds    *feed.Manager
	Viewers  *gateway.Broadcaster
	Alerts   *alerts.Evaluator
	Paper    *paper.Engine
	Saver    model.SessionSaver
	Candles  alerts.CandleSource
	History  TradeHistory
	Login    func(ctx context.Context) (*session.Session, error)
	Health   http.Handler
	Log      *slog.Logger

	// Observe sees every feed event before it is dispatched to viewers.
	Observe func(sessionID string, ev model.Event)
}

// Server holds the handlers.
type Server struct {
	Deps
	log *slog.Logger
}

type ctxKey struct{}

// NewRouter wires every route onto a gorilla/mux router.
func NewRouter(d Deps) *mux.Router {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Saver == nil {
		d.Saver = model.NopSaver{}
	}
	srv := &Server{Deps: d, log: d.Log.With("component", "api")}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/health", srv.health).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions", srv.createSession).Methods(http.MethodPost)
	r.HandleFunc("/ws/stream/{sessionID}", srv.stream).Methods(http.MethodGet)

	s := r.PathPrefix("/api/v1/sessions/{sessionID}").Subrouter()
	s.Use(srv.withSession)
	s.HandleFunc("", srv.getSession).Methods(http.MethodGet)
	s.HandleFunc("/logs", srv.getLogs).Methods(http.MethodGet)

	s.HandleFunc("/watchlist", srv.getWatchlist).Methods(http.MethodGet)
	s.HandleFunc("/watchlist", srv.addWatch).Methods(http.MethodPost)
	s.HandleFunc("/watchlist/{token}", srv.removeWatch).Methods(http.MethodDelete)

	s.HandleFunc("/alerts", srv.listAlerts).Methods(http.MethodGet)
	s.HandleFunc("/alerts", srv.createAlert).Methods(http.MethodPost)
	s.HandleFunc("/alerts/pause", srv.pauseAlerts).Methods(http.MethodPut)
	s.HandleFunc("/alerts/generate", srv.generateAlerts).Methods(http.MethodPost)
	s.HandleFunc("/alerts/{alertID}", srv.deleteAlert).Methods(http.MethodDelete)

	s.HandleFunc("/paper/trades", srv.listTrades).Methods(http.MethodGet)
	s.HandleFunc("/paper/trades", srv.openTrade).Methods(http.MethodPost)
	s.HandleFunc("/paper/trades", srv.clearTrades).Methods(http.MethodDelete)
	s.HandleFunc("/paper/trades/{tradeID}/close", srv.closeTrade).Methods(http.MethodPost)
	s.HandleFunc("/paper/trades/{tradeID}/stoploss", srv.setStopLoss).Methods(http.MethodPut)
	s.HandleFunc("/paper/trades/{tradeID}/target", srv.setTarget).Methods(http.MethodPut)
	s.HandleFunc("/paper/balance", srv.setBalance).Methods(http.MethodPut)
	s.HandleFunc("/paper/auto", srv.setAutoTrade).Methods(http.MethodPut)
	s.HandleFunc("/paper/summary", srv.summary).Methods(http.MethodGet)
	s.HandleFunc("/paper/history", srv.history).Methods(http.MethodGet)

	return r
}

// withSession resolves {sessionID} and stores the session in the request
// context; unknown sessions get 404.
func (srv *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["sessionID"]
		s, ok := srv.Sessions.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s)))
	})
}

func sessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(ctxKey{}).(*session.Session)
	return s
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	if srv.Health != nil {
		srv.Health.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"feed_sessions": len(srv.Feeds.Sessions()),
		"viewers":       srv.Viewers.TotalViewers(),
		"time":          time.Now().UTC(),
	})
}

func (srv *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if srv.Login == nil {
		writeError(w, http.StatusNotImplemented, errors.New("login is not configured"))
		return
	}
	s, err := srv.Login(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": s.ID, "client_id": s.ClientID})
}

type sessionView struct {
	SessionID      string             `json:"session_id"`
	ClientID       string             `json:"client_id"`
	Feed           model.FeedStatus   `json:"feed_status"`
	Viewers        int                `json:"viewers"`
	Watchlist      []model.Instrument `json:"watchlist"`
	AlertCount     int                `json:"alert_count"`
	IsPaused       bool               `json:"is_paused"`
	AutoPaperTrade bool               `json:"auto_paper_trade"`
	VirtualBalance string             `json:"virtual_balance"`
	LastActivity   time.Time          `json:"last_activity"`
}

func (srv *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Lock()
	v := sessionView{
		SessionID:      s.ID,
		ClientID:       s.ClientID,
		Watchlist:      watchlistLocked(s),
		AlertCount:     len(s.Alerts),
		IsPaused:       s.IsPaused,
		AutoPaperTrade: s.AutoPaperTrade,
		VirtualBalance: s.VirtualBalance.StringFixed(2),
		LastActivity:   s.LastActivity,
	}
	s.Unlock()
	v.Feed = srv.Feeds.State(v.SessionID)
	v.Viewers = srv.Viewers.ViewerCount(v.SessionID)
	writeJSON(w, http.StatusOK, v)
}

func (srv *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Lock()
	out := make([]model.LogEntry, len(s.Logs))
	copy(out, s.Logs)
	s.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// watchlistLocked copies the watchlist with current prices. Caller holds the lock.
func watchlistLocked(s *session.Session) []model.Instrument {
	out := make([]model.Instrument, 0, len(s.Watchlist))
	for _, inst := range s.Watchlist {
		out = append(out, *inst)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps domain rejections to HTTP status codes.
func statusFor(err error) int {
	var re *paper.RejectError
	switch {
	case errors.Is(err, paper.ErrTradeNotOpen), errors.Is(err, alerts.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerts.ErrDuplicateAlert):
		return http.StatusConflict
	case errors.As(err, &re):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
