// Package decoder turns raw SmartStream frames into normalized ticks.
//
// Two frame shapes are accepted:
//   - binary: the fixed little-endian layout of the SmartStream v2 feed, of
//     which only the token (bytes 2..27) and LTP (bytes 43..51) are read;
//   - structured: a JSON object, or an array of objects, with the token and
//     price under one of several aliased field names.
//
// Malformed frames never produce an error; they decode to no ticks.
package decoder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

// Binary layout offsets (SmartStream v2, LTP mode header).
const (
	MinBinaryLen = 51
	tokenStart   = 2
	tokenEnd     = 27
	ltpStart     = 43
	ltpEnd       = 51
)

// paiseExp scales paise to rupees.
const paiseExp = -2

var (
	tokenKeys = []string{"token", "tk", "symboltoken"}
	// last_traded_price is paise-encoded; the rest are already in rupees.
	scaledPriceKey   = "last_traded_price"
	unscaledPriceKey = []string{"ltp", "c", "lp"}
)

// now is swapped in tests.
var now = time.Now

// Decode normalizes one frame. isBinary selects the binary layout; text
// frames are parsed as JSON. Returns nil when nothing could be decoded.
func Decode(isBinary bool, payload []byte) []model.Tick {
	if isBinary {
		if t, ok := DecodeBinary(payload); ok {
			return []model.Tick{t}
		}
		return nil
	}
	return DecodeJSON(payload)
}

// DecodeBinary reads the token and LTP from a fixed-layout frame.
func DecodeBinary(b []byte) (model.Tick, bool) {
	if len(b) < MinBinaryLen {
		return model.Tick{}, false
	}
	raw := b[tokenStart:tokenEnd]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 || !utf8.Valid(raw) {
		return model.Tick{}, false
	}
	paise := int64(binary.LittleEndian.Uint64(b[ltpStart:ltpEnd]))
	if paise <= 0 {
		return model.Tick{}, false
	}
	return model.Tick{
		Token:    string(raw),
		Price:    decimal.New(paise, paiseExp),
		Received: now(),
	}, true
}

// DecodeJSON parses a JSON object or array of objects.
func DecodeJSON(b []byte) []model.Tick {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return DecodeStructured(v)
}

// DecodeStructured normalizes an already-parsed map or list of maps.
func DecodeStructured(v any) []model.Tick {
	switch t := v.(type) {
	case map[string]any:
		if tick, ok := decodeFields(t); ok {
			return []model.Tick{tick}
		}
	case []any:
		var out []model.Tick
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if tick, ok := decodeFields(m); ok {
				out = append(out, tick)
			}
		}
		return out
	}
	return nil
}

func decodeFields(m map[string]any) (model.Tick, bool) {
	var token string
	for _, k := range tokenKeys {
		if token = toString(m[k]); token != "" {
			break
		}
	}
	if token == "" {
		return model.Tick{}, false
	}

	price, ok := toDecimal(m[scaledPriceKey])
	if ok && !price.IsZero() {
		price = price.Shift(paiseExp)
	} else {
		ok = false
		for _, k := range unscaledPriceKey {
			if price, ok = toDecimal(m[k]); ok && !price.IsZero() {
				break
			}
			ok = false
		}
	}
	if !ok || !price.IsPositive() {
		return model.Tick{}, false
	}
	return model.Tick{Token: token, Price: price, Received: now()}, true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		return decimal.Zero, false
	}
}
