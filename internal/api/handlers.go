package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/gateway"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/session"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// stream upgrades the request to a viewer socket of the session and makes
// sure the session's upstream feed is running. The handler returns when the
// viewer disconnects.
func (srv *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	s, ok := srv.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	conn, err := gateway.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("viewer upgrade failed", "session_id", id, "error", err)
		return
	}
	srv.Viewers.Serve(conn, id, func(v *gateway.Viewer) {
		srv.Feeds.Start(s, func(ev model.Event) {
			if srv.Observe != nil {
				srv.Observe(id, ev)
			}
			srv.Viewers.Dispatch(id, ev)
		})
		if srv.Feeds.State(id) == model.FeedConnected {
			srv.Viewers.Send(v, model.NewEvent(model.Status{Status: model.FeedConnected}))
		}
	})
}

// ── Watchlist ──

type watchRequest struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exch_seg"`
}

func (srv *Server) getWatchlist(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Lock()
	out := watchlistLocked(s)
	s.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// addWatch never fails because of the feed: a live subscribe error is
// logged by the feed manager and the instrument is picked up on reconnect.
func (srv *Server) addWatch(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	var req watchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	if req.Exchange == "" {
		req.Exchange = model.ExchangeNSE
	}
	inst := &model.Instrument{
		Token:    req.Token,
		Symbol:   req.Symbol,
		Exchange: strings.ToUpper(req.Exchange),
		Loading:  true,
	}

	s.Lock()
	added := s.Watch(inst)
	s.Touch()
	s.Unlock()
	if !added {
		writeError(w, http.StatusConflict, errors.New("instrument already in watchlist"))
		return
	}

	srv.Feeds.Subscribe(s, *inst)
	srv.Saver.Save(s.ID)
	writeJSON(w, http.StatusCreated, inst)
}

func (srv *Server) removeWatch(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	token := mux.Vars(r)["token"]

	s.Lock()
	exchange := ""
	if i := s.WatchlistIndex(token); i >= 0 {
		exchange = s.Watchlist[i].Exchange
	}
	removed := s.Unwatch(token)
	s.Touch()
	s.Unlock()
	if !removed {
		writeError(w, http.StatusNotFound, errors.New("instrument not in watchlist"))
		return
	}

	srv.Feeds.Unsubscribe(s, token, exchange)
	srv.Saver.Save(s.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ── Alerts ──

type alertRequest struct {
	Symbol    string          `json:"symbol"`
	Token     string          `json:"token"`
	Condition model.Condition `json:"condition"`
	Price     decimal.Decimal `json:"price"`
}

func (srv *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	list, paused := srv.Alerts.List(sessionFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "is_paused": paused})
}

func (srv *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := srv.Alerts.Create(sessionFrom(r), alerts.NewAlert{
		Symbol:    req.Symbol,
		Token:     req.Token,
		Condition: req.Condition,
		Price:     req.Price,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (srv *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := srv.Alerts.Delete(sessionFrom(r), mux.Vars(r)["alertID"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) pauseAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.Alerts.SetPaused(sessionFrom(r), req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"is_paused": req.Paused})
}

type generateRequest struct {
	Symbol   string   `json:"symbol"`
	Token    string   `json:"token"`
	Exchange string   `json:"exch_seg"`
	Date     string   `json:"date"`
	Levels   []string `json:"levels"`
}

func (srv *Server) generateAlerts(w http.ResponseWriter, r *http.Request) {
	if srv.Candles == nil {
		writeError(w, http.StatusNotImplemented, errors.New("candle source is not configured"))
		return
	}
	var req generateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := srv.Alerts.Generate(r.Context(), sessionFrom(r), srv.Candles, alerts.GenerateRequest{
		Symbol:   req.Symbol,
		Token:    req.Token,
		Exchange: req.Exchange,
		Date:     req.Date,
		Levels:   req.Levels,
	})
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, alerts.ErrMissingToken) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	if added == nil {
		added = []model.Alert{}
	}
	writeJSON(w, http.StatusCreated, added)
}

// ── Paper trading ──

type openRequest struct {
	Token    string           `json:"token"`
	Symbol   string           `json:"symbol"`
	Exchange string           `json:"exch_seg"`
	Side     model.Side       `json:"side"`
	Qty      int64            `json:"qty"`
	Target   *decimal.Decimal `json:"target"`
}

type priceRequest struct {
	Price *decimal.Decimal `json:"price"`
}

func (srv *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.Paper.Snapshot(sessionFrom(r)))
}

func (srv *Server) openTrade(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	var req openRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	t, err := srv.Paper.OpenOrAverage(s, instrumentFor(s, req), req.Side, "MANUAL", req.Qty, req.Target)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// instrumentFor prefers the registry entry, which carries the live price.
func instrumentFor(s *session.Session, req openRequest) model.Instrument {
	s.Lock()
	defer s.Unlock()
	if inst, ok := s.Registry.Get(req.Token); ok {
		return *inst
	}
	return model.Instrument{Token: req.Token, Symbol: req.Symbol, Exchange: req.Exchange}
}

// closeTrade is idempotent: closing an unknown or closed trade reports
// closed=false with 200.
func (srv *Server) closeTrade(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	t, ok := srv.Paper.Close(sessionFrom(r), mux.Vars(r)["tradeID"], req.Price, model.ReasonManual)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"closed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "trade": t})
}

func (srv *Server) setStopLoss(w http.ResponseWriter, r *http.Request) {
	srv.setLevel(w, r, srv.Paper.SetStopLoss)
}

func (srv *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	srv.setLevel(w, r, srv.Paper.SetTarget)
}

func (srv *Server) setLevel(w http.ResponseWriter, r *http.Request, set func(*session.Session, string, *decimal.Decimal) (model.VirtualTrade, error)) {
	var req priceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := set(sessionFrom(r), mux.Vars(r)["tradeID"], req.Price)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (srv *Server) setBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := srv.Paper.SetBalance(sessionFrom(r), req.Amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"virtual_balance": req.Amount.StringFixed(2)})
}

func (srv *Server) setAutoTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.Paper.SetAutoTrade(sessionFrom(r), req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"auto_paper_trade": req.Enabled})
}

func (srv *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum := srv.Paper.Summary(sessionFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum, "win_rate": sum.WinRate()})
}

func (srv *Server) clearTrades(w http.ResponseWriter, r *http.Request) {
	n := srv.Paper.ClearClosed(sessionFrom(r))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (srv *Server) history(w http.ResponseWriter, r *http.Request) {
	if srv.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("trade history is not configured"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	s := sessionFrom(r)
	trades, err := srv.History.GetTrades(r.Context(), s.ClientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := srv.History.GetStats(r.Context(), s.ClientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "stats": stats})
}
