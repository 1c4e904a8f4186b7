// Package alerts owns a session's alert book and fires one-shot price
// alerts against incoming ticks, optionally handing fired levels to the
// paper trading engine.
package alerts

import (
	"fmt"
	"log/slog"
	"time"

	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notifier is told about every fired alert. It must not block.
type Notifier interface {
	AlertFired(clientID string, a model.Alert, price string, trade *model.VirtualTrade)
}

// Evaluator checks ticks against session alerts.
type Evaluator struct {
	engine   *paper.Engine
	saver    model.SessionSaver
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEvaluator creates an evaluator. notifier may be nil.
func NewEvaluator(engine *paper.Engine, saver model.SessionSaver, notifier Notifier, m *metrics.Metrics, log *slog.Logger) *Evaluator {
	if saver == nil {
		saver = model.NopSaver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		engine:   engine,
		saver:    saver,
		notifier: notifier,
		metrics:  m,
		log:      log.With("component", "alerts"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type firing struct {
	alert  model.Alert
	log    model.LogEntry
	side   model.Side
	target *decimal.Decimal
}

// Evaluate fires every active alert on inst.Token whose condition the
// instrument's price satisfies. Fired alerts are removed from the book
// under the session lock before any side effect, so each fires once.
// Returns the number of alerts fired.
func (ev *Evaluator) Evaluate(s *session.Session, inst model.Instrument, emit func(model.Event)) int {
	if !inst.HasPrice() {
		return 0
	}
	price := inst.LTP

	s.Lock()
	if s.IsPaused {
		s.Unlock()
		return 0
	}
	var fired []firing
	kept := make([]model.Alert, 0, len(s.Alerts))
	book := s.Alerts
	now := ev.now()
	for _, a := range s.Alerts {
		if a.Token != inst.Token || !a.Active || !a.Triggered(price) {
			kept = append(kept, a)
			continue
		}
		entry := model.LogEntry{
			Time:    now,
			Type:    model.LogAlertTriggered,
			Symbol:  inst.Symbol,
			Price:   price,
			AlertID: a.ID,
			Message: fmt.Sprintf("%s hit %s (%s)", inst.Symbol, a.Price.String(), a.Condition),
		}
		f := firing{alert: a, log: entry, side: TradeSide(a)}
		if a.IsAuto() {
			f.target = TargetFor(a, f.side, price, book)
		}
		fired = append(fired, f)
	}
	if len(fired) == 0 {
		s.Unlock()
		return 0
	}
	s.Alerts = kept
	for _, f := range fired {
		s.AppendLog(f.log)
	}
	s.Touch()
	autoTrade := s.AutoPaperTrade
	clientID := s.ClientID
	s.Unlock()

	for _, f := range fired {
		ev.metrics.AlertFired(f.alert.IsAuto())
		ev.log.Info("alert triggered",
			"session_id", s.ID, "symbol", inst.Symbol, "alert_id", f.alert.ID,
			"condition", f.alert.Condition, "level", f.alert.Price.String(), "ltp", price.String())

		var opened *model.VirtualTrade
		if autoTrade && ev.engine != nil {
			t, err := ev.engine.OpenOrAverage(s, inst, f.side, tradeLabel(f.alert), 0, f.target)
			if err == nil {
				opened = &t
			}
		}
		ev.saver.Save(s.ID)

		if emit != nil {
			emit(model.NewEvent(model.AlertTriggered{
				Alert:  f.alert,
				Log:    f.log,
				Trades: ev.trades(s),
			}))
		}
		if ev.notifier != nil {
			ev.notifier.AlertFired(clientID, f.alert, price.StringFixed(2), opened)
		}
	}
	return len(fired)
}

func (ev *Evaluator) trades(s *session.Session) []model.VirtualTrade {
	if ev.engine != nil {
		return ev.engine.Snapshot(s)
	}
	s.Lock()
	defer s.Unlock()
	return s.TradesSnapshot()
}

// tradeLabel is the provenance recorded on a trade opened by a.
func tradeLabel(a model.Alert) string {
	if l := a.Label(); l != "" {
		return l
	}
	return model.AlertTypeManual
}
