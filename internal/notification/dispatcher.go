package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trading-alertsv1/internal/model"

	"golang.org/x/time/rate"
)

// Dispatcher sends notifications from a background worker so the tick path
// never waits on a network call. Messages beyond the queue are dropped.
type Dispatcher struct {
	next    Notifier
	queue   chan Message
	limiter *rate.Limiter
	log     *slog.Logger
	timeout time.Duration
}

// NewDispatcher wraps next with a bounded queue and a send rate limit
// (perSecond messages, with the given burst).
func NewDispatcher(next Notifier, queueSize int, perSecond float64, burst int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		next:    next,
		queue:   make(chan Message, queueSize),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:     log.With("component", "notify"),
		timeout: 10 * time.Second,
	}
}

// Run delivers queued messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.next.Send(sendCtx, msg); err != nil {
				d.log.Warn("notification failed", "title", msg.Title, "error", err)
			}
			cancel()
		}
	}
}

// Enqueue queues msg without blocking. Returns false if the queue is full.
func (d *Dispatcher) Enqueue(msg Message) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.log.Warn("notification queue full, dropping", "title", msg.Title)
		return false
	}
}

// AlertFired formats a fired alert (and the paper trade it opened, if any).
func (d *Dispatcher) AlertFired(clientID string, a model.Alert, price string, trade *model.VirtualTrade) {
	body := fmt.Sprintf("%s hit %s (%s) at %s", a.Symbol, a.Price.StringFixed(2), a.Condition, price)
	if trade != nil {
		body += fmt.Sprintf("\nPaper %s %d @ %s", trade.Side, trade.Quantity, trade.EntryPrice.StringFixed(2))
	}
	info := &AlertInfo{
		AlertID:   a.ID,
		Symbol:    a.Symbol,
		Token:     a.Token,
		Condition: string(a.Condition),
		Level:     a.Price.StringFixed(2),
		Type:      a.Type,
		LTP:       price,
	}
	if trade != nil {
		info.Trade = &TradeInfo{
			TradeID:  trade.ID,
			Side:     string(trade.Side),
			Quantity: trade.Quantity,
			Entry:    trade.EntryPrice.StringFixed(2),
		}
	}
	d.Enqueue(Message{
		Level:    LevelInfo,
		ClientID: clientID,
		Title:    "Alert: " + a.Symbol,
		Body:     body,
		Alert:    info,
	})
}
