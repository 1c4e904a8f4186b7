// Package registry maps instrument tokens to the mutable Instrument state of
// one session. The feed worker updates prices through it, HTTP handlers add
// and remove watched tokens, and the paper engine reads prices from it.
//
// A Registry has no lock of its own: every call must be made while holding
// the owning session's lock, which is the single mutual-exclusion boundary
// for a session's registry, alerts and trades.
package registry

import (
	"sort"

	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

// Registry is a per-session token -> *Instrument map.
type Registry struct {
	byToken map[string]*model.Instrument
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byToken: make(map[string]*model.Instrument)}
}

// Add registers inst under its token, replacing a placeholder entry.
// The pointer is kept, so watchlist entries see price updates directly.
func (r *Registry) Add(inst *model.Instrument) {
	if inst == nil || inst.Token == "" {
		return
	}
	if prev, ok := r.byToken[inst.Token]; ok && prev != inst && inst.LTP.IsZero() {
		inst.LTP = prev.LTP
	}
	r.byToken[inst.Token] = inst
}

// Ensure returns the instrument for token, creating a placeholder with the
// given symbol and exchange if the token is not registered yet.
func (r *Registry) Ensure(token, symbol, exchange string) (*model.Instrument, bool) {
	if inst, ok := r.byToken[token]; ok {
		return inst, false
	}
	inst := &model.Instrument{Token: token, Symbol: symbol, Exchange: exchange}
	r.byToken[token] = inst
	return inst, true
}

// Remove drops token. Returns false if it was not registered.
func (r *Registry) Remove(token string) bool {
	if _, ok := r.byToken[token]; !ok {
		return false
	}
	delete(r.byToken, token)
	return true
}

// Update sets the last price of token and returns the instrument,
// or nil if the token is unknown to this session.
func (r *Registry) Update(token string, price decimal.Decimal) *model.Instrument {
	inst, ok := r.byToken[token]
	if !ok {
		return nil
	}
	inst.LTP = price
	inst.Loading = false
	return inst
}

// Get returns the instrument registered for token.
func (r *Registry) Get(token string) (*model.Instrument, bool) {
	inst, ok := r.byToken[token]
	return inst, ok
}

// Price returns the last traded price of token if one has been seen.
func (r *Registry) Price(token string) (decimal.Decimal, bool) {
	inst, ok := r.byToken[token]
	if !ok || !inst.HasPrice() {
		return decimal.Zero, false
	}
	return inst.LTP, true
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	return len(r.byToken)
}

// ByExchange groups registered tokens by exchange segment, tokens sorted.
// Instruments without a segment are grouped under NSE.
func (r *Registry) ByExchange() map[string][]string {
	out := make(map[string][]string)
	for tok, inst := range r.byToken {
		ex := inst.Exchange
		if ex == "" {
			ex = model.ExchangeNSE
		}
		out[ex] = append(out[ex], tok)
	}
	for ex := range out {
		sort.Strings(out[ex])
	}
	return out
}

// Snapshot returns copies of all registered instruments, ordered by token.
func (r *Registry) Snapshot() []model.Instrument {
	out := make([]model.Instrument, 0, len(r.byToken))
	for _, inst := range r.byToken {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}
