package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/session"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateAlert   = errors.New("an identical alert already exists")
	ErrInvalidCondition = errors.New("condition must be ABOVE or BELOW")
	ErrInvalidPrice     = errors.New("alert price must be positive")
	ErrMissingToken     = errors.New("alert token is required")
	ErrAlertNotFound    = errors.New("alert not found")
)

// NewAlert describes an alert to add to a session.
type NewAlert struct {
	Symbol    string
	Token     string
	Condition model.Condition
	Price     decimal.Decimal
	Type      string // "" means MANUAL
}

// Create validates req and appends an active alert. An alert with the same
// token, condition and price already in the book is rejected.
func (ev *Evaluator) Create(s *session.Session, req NewAlert) (model.Alert, error) {
	if req.Token == "" {
		return model.Alert{}, ErrMissingToken
	}
	req.Condition = model.Condition(strings.ToUpper(string(req.Condition)))
	if !req.Condition.Valid() {
		return model.Alert{}, ErrInvalidCondition
	}
	if !req.Price.IsPositive() {
		return model.Alert{}, ErrInvalidPrice
	}
	if req.Type == "" {
		req.Type = model.AlertTypeManual
	}

	s.Lock()
	a, err := ev.addLocked(s, req)
	id := s.ID
	s.Unlock()
	if err != nil {
		return model.Alert{}, err
	}
	ev.saver.Save(id)
	return a, nil
}

func (ev *Evaluator) addLocked(s *session.Session, req NewAlert) (model.Alert, error) {
	for _, a := range s.Alerts {
		if a.Token == req.Token && a.Condition == req.Condition && a.Price.Equal(req.Price) {
			return model.Alert{}, ErrDuplicateAlert
		}
	}
	a := model.Alert{
		ID:        ev.newID(),
		Symbol:    req.Symbol,
		Token:     req.Token,
		Condition: req.Condition,
		Price:     req.Price,
		Type:      req.Type,
		Active:    true,
		CreatedAt: ev.now(),
	}
	s.Alerts = append(s.Alerts, a)
	s.Touch()
	return a, nil
}

// Delete removes the alert with id.
func (ev *Evaluator) Delete(s *session.Session, id string) error {
	s.Lock()
	found := false
	for i, a := range s.Alerts {
		if a.ID == id {
			s.Alerts = append(s.Alerts[:i], s.Alerts[i+1:]...)
			found = true
			break
		}
	}
	sid := s.ID
	s.Unlock()
	if !found {
		return ErrAlertNotFound
	}
	ev.saver.Save(sid)
	return nil
}

// SetPaused stops (or resumes) alert evaluation for the session.
func (ev *Evaluator) SetPaused(s *session.Session, paused bool) {
	s.Lock()
	s.IsPaused = paused
	s.Touch()
	id := s.ID
	s.Unlock()
	ev.saver.Save(id)
}

// List returns a copy of the session's alert book.
func (ev *Evaluator) List(s *session.Session) ([]model.Alert, bool) {
	s.Lock()
	defer s.Unlock()
	out := make([]model.Alert, len(s.Alerts))
	copy(out, s.Alerts)
	return out, s.IsPaused
}

// CandleSource returns the reference candle used for level generation.
type CandleSource interface {
	ReferenceCandle(ctx context.Context, exchange, token, date string) (OHLC, error)
}

// GenerateRequest asks for auto levels on one instrument.
type GenerateRequest struct {
	Symbol   string
	Token    string
	Exchange string
	Date     string // "2006-01-02"; the candle source decides which day it covers
	Levels   []string
}

// Generate fetches the reference candle for req, derives levels against the
// instrument's current price and adds the new ones as AUTO_<LABEL> alerts.
// Duplicates are skipped. Returns the alerts added.
func (ev *Evaluator) Generate(ctx context.Context, s *session.Session, src CandleSource, req GenerateRequest) ([]model.Alert, error) {
	if req.Token == "" {
		return nil, ErrMissingToken
	}
	if len(req.Levels) == 0 {
		req.Levels = DefaultLevels
	}
	candle, err := src.ReferenceCandle(ctx, req.Exchange, req.Token, req.Date)
	if err != nil {
		return nil, fmt.Errorf("alerts: reference candle for %s: %w", req.Symbol, err)
	}

	s.Lock()
	ltp, ok := s.Registry.Price(req.Token)
	if !ok {
		ltp = candle.Close
	}
	var added []model.Alert
	for _, l := range GenerateLevels(candle, ltp, req.Levels) {
		a, err := ev.addLocked(s, NewAlert{
			Symbol:    req.Symbol,
			Token:     req.Token,
			Condition: l.Condition,
			Price:     l.Price,
			Type:      model.AlertTypeAutoPref + l.Label,
		})
		if err != nil {
			continue
		}
		added = append(added, a)
	}
	if len(added) > 0 {
		s.AppendLog(model.LogEntry{
			Time:    ev.now(),
			Type:    model.LogAlertsCreated,
			Symbol:  req.Symbol,
			Price:   ltp,
			Message: fmt.Sprintf("Generated %d auto alerts", len(added)),
		})
	}
	id := s.ID
	s.Unlock()

	if len(added) > 0 {
		ev.saver.Save(id)
	}
	return added, nil
}
