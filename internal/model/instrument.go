package model

import "github.com/shopspring/decimal"

// Exchange segment names as they appear in the scrip master.
const (
	ExchangeNSE = "NSE"
	ExchangeNFO = "NFO"
	ExchangeBSE = "BSE"
	ExchangeBFO = "BFO"
	ExchangeMCX = "MCX"
	ExchangeNCX = "NCX"
	ExchangeCDS = "CDS"
)

// Instrument is a watched (or auto-subscribed) tradable instrument.
// LTP is zero until the first tick for Token arrives.
type Instrument struct {
	Token    string          `json:"token"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exch_seg"`
	LTP      decimal.Decimal `json:"ltp"`
	Loading  bool            `json:"loading,omitempty"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// HasPrice reports whether a tick has set a usable price.
func (i *Instrument) HasPrice() bool {
	return i.LTP.IsPositive()
}
