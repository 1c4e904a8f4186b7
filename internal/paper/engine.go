// Package paper simulates positions against live ticks: open, average,
// stop-and-reverse, stop-loss/target exits and the end-of-day square-off.
//
// Exported methods take the session lock themselves. Collaborators
// (snapshot saver, trade history) are signalled after the lock is released.
package paper

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trading-alertsv1/internal/markethours"
	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/session"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config controls engine defaults.
type Config struct {
	DefaultQty int64              // used when an open request carries qty 0
	SquareOff  markethours.Window // daily end-of-day square-off window (IST)
}

// DefaultConfig trades one unit and squares off between 15:15 and 15:45 IST.
func DefaultConfig() Config {
	return Config{DefaultQty: 1, SquareOff: markethours.DefaultSquareOffWindow()}
}

// Engine applies paper-trading rules to sessions. It holds no per-session
// state; everything lives on the Session.
type Engine struct {
	cfg     Config
	saver   model.SessionSaver
	history model.TradeRecorder
	metrics *metrics.Metrics
	log     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine. Nil collaborators are replaced with no-ops.
func NewEngine(cfg Config, saver model.SessionSaver, history model.TradeRecorder, m *metrics.Metrics, log *slog.Logger) *Engine {
	if cfg.DefaultQty <= 0 {
		cfg.DefaultQty = 1
	}
	if cfg.SquareOff == (markethours.Window{}) {
		cfg.SquareOff = markethours.DefaultSquareOffWindow()
	}
	if saver == nil {
		saver = model.NopSaver{}
	}
	if history == nil {
		history = model.NopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		saver:   saver,
		history: history,
		metrics: m,
		log:     log.With("component", "paper"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// OpenOrAverage opens a position on inst, averages into an open same-side
// position, or closes an opposite-side position (stop-and-reverse) and then
// opens the new side. qty 0 means the configured default. The price is the
// instrument's LTP, falling back to the session registry.
//
// On a reversal whose new leg is rejected, the reversing close stands and
// the rejection is returned.
func (e *Engine) OpenOrAverage(s *session.Session, inst model.Instrument, side model.Side, label string, qty int64, target *decimal.Decimal) (model.VirtualTrade, error) {
	s.Lock()
	trade, closed, err := e.openOrAverageLocked(s, inst, side, label, qty, target)
	var out model.VirtualTrade
	if trade != nil {
		out = trade.Clone()
	}
	clientID, sessionID := s.ClientID, s.ID
	s.Unlock()

	e.afterClose(clientID, closed)
	if err != nil {
		op := "open"
		var re *RejectError
		if errors.As(err, &re) {
			op = re.Op
		}
		e.metrics.TradeRejected(op)
		e.log.Info("paper order rejected", "session_id", sessionID, "symbol", inst.Symbol, "error", err)
	}
	if trade != nil || len(closed) > 0 {
		e.saver.Save(sessionID)
	}
	return out, err
}

func (e *Engine) openOrAverageLocked(s *session.Session, inst model.Instrument, side model.Side, label string, qty int64, target *decimal.Decimal) (*model.VirtualTrade, []model.VirtualTrade, error) {
	if !side.Valid() {
		return nil, nil, reject("open", inst.Symbol, ErrInvalidSide)
	}
	if qty == 0 {
		qty = e.cfg.DefaultQty
	}
	if qty < 0 {
		return nil, nil, reject("open", inst.Symbol, ErrInvalidQuantity)
	}
	price := inst.LTP
	if !price.IsPositive() {
		p, ok := s.Registry.Price(inst.Token)
		if !ok {
			return nil, nil, reject("open", inst.Symbol, ErrNoPrice)
		}
		price = p
	}
	now := e.now()

	var closed []model.VirtualTrade
	if existing := s.OpenTradeFor(inst.Token); existing != nil {
		if existing.Side == side {
			leg := model.RequiredMargin(price, qty)
			if leg.GreaterThan(s.VirtualBalance) {
				return nil, nil, reject("average", inst.Symbol, ErrInsufficientMargin)
			}
			existing.Average(price, qty, label)
			s.VirtualBalance = s.VirtualBalance.Sub(leg)
			s.AppendLog(model.LogEntry{
				Time:    now,
				Type:    model.LogPaperAverage,
				Symbol:  existing.Symbol,
				Price:   price,
				TradeID: existing.ID,
				Message: fmt.Sprintf("Averaged %s %s +%d @ %s, avg %s qty %d", existing.Side, existing.Symbol, qty, price.StringFixed(2), existing.EntryPrice.StringFixed(2), existing.Quantity),
			})
			s.Touch()
			return existing, nil, nil
		}
		closed = append(closed, e.closeLocked(s, existing, price, model.ReasonSARPrefix+label, now))
	}

	if !s.VirtualBalance.IsPositive() {
		return nil, closed, reject("open", inst.Symbol, ErrNoBalance)
	}
	if model.RequiredMargin(price, qty).GreaterThan(s.VirtualBalance) {
		return nil, closed, reject("open", inst.Symbol, ErrInsufficientMargin)
	}

	t := model.NewVirtualTrade(e.newID(), inst, side, price, qty, label, now)
	if target != nil {
		v := *target
		t.Target = &v
	}
	s.VirtualBalance = s.VirtualBalance.Sub(t.Margin)
	s.PaperTrades = append([]*model.VirtualTrade{t}, s.PaperTrades...)
	msg := fmt.Sprintf("Paper %s %s %d @ %s", side, t.Symbol, qty, price.StringFixed(2))
	if label != "" {
		msg += " (" + label + ")"
	}
	s.AppendLog(model.LogEntry{
		Time:    now,
		Type:    model.LogPaperOpen,
		Symbol:  t.Symbol,
		Price:   price,
		TradeID: t.ID,
		Message: msg,
	})
	s.Touch()
	e.metrics.TradeOpened(string(side))
	return t, closed, nil
}

// Close closes an open trade at exit, or at the best available price when
// exit is nil. Unknown or already-closed trades are a no-op (ok=false).
func (e *Engine) Close(s *session.Session, tradeID string, exit *decimal.Decimal, reason string) (model.VirtualTrade, bool) {
	if reason == "" {
		reason = model.ReasonManual
	}
	s.Lock()
	t := s.FindTrade(tradeID)
	if t == nil || !t.IsOpen() {
		s.Unlock()
		return model.VirtualTrade{}, false
	}
	price := e.bestPriceLocked(s, t)
	if exit != nil && exit.IsPositive() {
		price = *exit
	}
	out := e.closeLocked(s, t, price, reason, e.now())
	clientID, sessionID := s.ClientID, s.ID
	s.Unlock()

	e.afterClose(clientID, []model.VirtualTrade{out})
	e.saver.Save(sessionID)
	return out, true
}

// closeLocked realizes t and credits margin plus PnL in one step.
// Caller holds the lock and has checked t is open.
func (e *Engine) closeLocked(s *session.Session, t *model.VirtualTrade, exit decimal.Decimal, reason string, at time.Time) model.VirtualTrade {
	credit := t.Close(exit, reason, at)
	s.VirtualBalance = s.VirtualBalance.Add(credit)
	pnl := t.PnL
	s.AppendLog(model.LogEntry{
		Time:    at,
		Type:    model.LogPaperClose,
		Symbol:  t.Symbol,
		Price:   exit,
		TradeID: t.ID,
		PnL:     &pnl,
		Message: fmt.Sprintf("Closed %s %s @ %s (%s) PnL %s", t.Side, t.Symbol, exit.StringFixed(2), reason, pnl.StringFixed(2)),
	})
	s.Touch()
	e.metrics.TradeClosed(closeReasonLabel(reason))
	return t.Clone()
}

// afterClose forwards closed trades to the permanent history.
func (e *Engine) afterClose(clientID string, closed []model.VirtualTrade) {
	for _, t := range closed {
		e.history.RecordClosedTrade(clientID, t)
		e.log.Info("paper trade closed",
			"client_id", clientID, "trade_id", t.ID, "symbol", t.Symbol,
			"reason", t.CloseReason, "pnl", t.PnL.String())
	}
}

// bestPriceLocked is the registry price, else the last marked price,
// else the entry price.
func (e *Engine) bestPriceLocked(s *session.Session, t *model.VirtualTrade) decimal.Decimal {
	if p, ok := s.Registry.Price(t.Token); ok {
		return p
	}
	if t.LastPrice.IsPositive() {
		return t.LastPrice
	}
	return t.EntryPrice
}

type pendingClose struct {
	trade  *model.VirtualTrade
	price  decimal.Decimal
	reason string
}

// UpdateLivePnl marks every open trade to its registry price and closes the
// ones whose stop-loss or target was crossed. Closes run after the scan.
// Returns the trades closed by this call.
func (e *Engine) UpdateLivePnl(s *session.Session) []model.VirtualTrade {
	s.Lock()
	var queue []pendingClose
	for _, t := range s.PaperTrades {
		if !t.IsOpen() {
			continue
		}
		price, ok := s.Registry.Price(t.Token)
		if !ok {
			continue
		}
		t.MarkToMarket(price)
		if reason, hit := t.ExitSignal(price); hit {
			queue = append(queue, pendingClose{trade: t, price: price, reason: reason})
		}
	}
	if len(queue) == 0 {
		s.Unlock()
		return nil
	}
	now := e.now()
	closed := make([]model.VirtualTrade, 0, len(queue))
	for _, q := range queue {
		if q.trade.IsOpen() {
			closed = append(closed, e.closeLocked(s, q.trade, q.price, q.reason, now))
		}
	}
	clientID, sessionID := s.ClientID, s.ID
	s.Unlock()

	e.afterClose(clientID, closed)
	e.saver.Save(sessionID)
	return closed
}

// CheckAndSquareOff closes every open trade with reason EOD_SQUARE_OFF when
// now falls inside the square-off window. It runs at most once per IST date
// and only records the date when something was open.
func (e *Engine) CheckAndSquareOff(s *session.Session, now time.Time) []model.VirtualTrade {
	if !e.cfg.SquareOff.Contains(now) {
		return nil
	}
	date := markethours.DateKey(now)

	s.Lock()
	if s.LastAutoSquareOffDate == date || !s.HasOpenTrades() {
		s.Unlock()
		return nil
	}
	var closed []model.VirtualTrade
	for _, t := range s.PaperTrades {
		if t.IsOpen() {
			closed = append(closed, e.closeLocked(s, t, e.bestPriceLocked(s, t), model.ReasonEODSquareOff, now))
		}
	}
	s.LastAutoSquareOffDate = date
	clientID, sessionID := s.ClientID, s.ID
	s.Unlock()

	e.metrics.SquareOff()
	e.log.Info("end-of-day square-off", "session_id", sessionID, "date", date, "closed", len(closed))
	e.afterClose(clientID, closed)
	e.saver.Save(sessionID)
	return closed
}

// SetBalance replaces the virtual cash balance.
func (e *Engine) SetBalance(s *session.Session, amount decimal.Decimal) error {
	if amount.IsNegative() {
		e.metrics.TradeRejected("balance")
		return reject("balance", "", ErrNegativeBalance)
	}
	s.Lock()
	s.VirtualBalance = amount
	s.Touch()
	id := s.ID
	s.Unlock()
	e.saver.Save(id)
	return nil
}

// SetStopLoss sets (or clears, with nil) the stop-loss of an open trade.
func (e *Engine) SetStopLoss(s *session.Session, tradeID string, price *decimal.Decimal) (model.VirtualTrade, error) {
	return e.setLevel(s, "stoploss", tradeID, price, func(t *model.VirtualTrade, v *decimal.Decimal) { t.StopLoss = v })
}

// SetTarget sets (or clears, with nil) the target of an open trade.
func (e *Engine) SetTarget(s *session.Session, tradeID string, price *decimal.Decimal) (model.VirtualTrade, error) {
	return e.setLevel(s, "target", tradeID, price, func(t *model.VirtualTrade, v *decimal.Decimal) { t.Target = v })
}

func (e *Engine) setLevel(s *session.Session, op, tradeID string, price *decimal.Decimal, set func(*model.VirtualTrade, *decimal.Decimal)) (model.VirtualTrade, error) {
	if price != nil && !price.IsPositive() {
		e.metrics.TradeRejected(op)
		return model.VirtualTrade{}, reject(op, "", ErrInvalidPrice)
	}
	s.Lock()
	t := s.FindTrade(tradeID)
	if t == nil || !t.IsOpen() {
		s.Unlock()
		e.metrics.TradeRejected(op)
		return model.VirtualTrade{}, reject(op, "", ErrTradeNotOpen)
	}
	var v *decimal.Decimal
	if price != nil {
		cp := *price
		v = &cp
	}
	set(t, v)
	s.Touch()
	out := t.Clone()
	id := s.ID
	s.Unlock()

	e.saver.Save(id)
	return out, nil
}

// SetAutoTrade toggles opening paper positions from fired alerts.
func (e *Engine) SetAutoTrade(s *session.Session, on bool) {
	s.Lock()
	s.AutoPaperTrade = on
	s.Touch()
	id := s.ID
	s.Unlock()
	e.saver.Save(id)
}

// Snapshot returns a deep copy of the session's paper trades, newest first.
func (e *Engine) Snapshot(s *session.Session) []model.VirtualTrade {
	s.Lock()
	defer s.Unlock()
	return s.TradesSnapshot()
}

// ClearClosed drops closed trades from the session (open ones are kept)
// and returns how many were removed.
func (e *Engine) ClearClosed(s *session.Session) int {
	s.Lock()
	kept := s.PaperTrades[:0]
	removed := 0
	for _, t := range s.PaperTrades {
		if t.IsOpen() {
			kept = append(kept, t)
		} else {
			removed++
		}
	}
	for i := len(kept); i < len(s.PaperTrades); i++ {
		s.PaperTrades[i] = nil
	}
	s.PaperTrades = kept
	id := s.ID
	s.Unlock()

	if removed > 0 {
		e.saver.Save(id)
	}
	return removed
}

func closeReasonLabel(reason string) string {
	if strings.HasPrefix(reason, model.ReasonSARPrefix) {
		return "SAR"
	}
	return reason
}
