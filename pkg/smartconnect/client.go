// Package smartconnect talks to Angel One SmartAPI: the REST login and
// historical candle endpoints, and the SmartStream v2 market-data socket.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENTID", "PASSWORD", "TOTP")
//	if err != nil { log.Fatal(err) }
//	candles, err := sc.GetCandleData(ctx, smartconnect.CandleParams{
//	    Exchange: "NSE", SymbolToken: "3045", Interval: smartconnect.IntervalOneDay,
//	    From: from, To: to,
//	})
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---- Config & client ----

type Config struct {
	APIKey      string
	AccessToken string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	ProxyURL       string        // optional HTTP proxy URL
	DisableSSL     bool          // if true, InsecureSkipVerify
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default 106.193.147.98
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC

	HTTPClient *http.Client // overrides the built transport, used in tests
	Logger     *slog.Logger
}

type SmartConnect struct {
	apiKey       string
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string

	rootURL    string
	httpClient *http.Client
	log        *slog.Logger

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

// Session holds the tokens returned by a password+TOTP login.
type Session struct {
	ClientCode   string
	Name         string
	JWTToken     string
	RefreshToken string
	FeedToken    string
}

// APIError is a SmartAPI rejection ({"status": false} or an error_type body).
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("smartconnect: %s: %s", e.ErrorType, e.Message)
	}
	return fmt.Sprintf("smartconnect: api error (http %d): %s", e.Status, e.Message)
}

var ErrUnexpectedResponse = errors.New("smartconnect: unexpected response format")

const (
	defaultRoot     = "https://apiconnect.angelone.in"
	defaultPublicIP = "106.193.147.98"
	accept          = "application/json"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.candle.data":  "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// GetLocalIP finds your local IP address
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client with the SmartAPI header set.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			cfg.Logger.Debug("local ip lookup failed", "error", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, defaultPublicIP)
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	client := cfg.HTTPClient
	if client == nil {
		tr := &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.DisableSSL,
			},
		}
		if cfg.ProxyURL != "" {
			if purl, err := url.Parse(cfg.ProxyURL); err == nil {
				tr.Proxy = http.ProxyURL(purl)
			}
		}
		client = &http.Client{Transport: tr, Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		accessToken:    cfg.AccessToken,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     client,
		log:            cfg.Logger.With("component", "smartconnect"),
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", accept)
	h.Set("Accept", accept)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	return h
}

func (sc *SmartConnect) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("smartconnect: unknown route: %s", route)
	}
	return sc.rootURL + uri, nil
}

// envelope is the common SmartAPI response body.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) doRequest(ctx context.Context, method, route string, params map[string]any) (json.RawMessage, error) {
	fullURL, err := sc.buildURL(route)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			fullURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	sc.log.Debug("smartapi response", "route", route, "status", resp.StatusCode, "bytes", len(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("smartconnect: couldn't parse JSON response (http %d): %w", resp.StatusCode, err)
	}
	if env.ErrorType != "" {
		if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && env.ErrorType == "TokenException" {
			sc.SessionExpiryHook()
		}
		return nil, &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if !env.Status {
		return nil, &APIError{Status: resp.StatusCode, Message: firstNonEmpty(env.Message, env.ErrorCode, "status=false")}
	}
	return env.Data, nil
}

// ---- Setters/Getters ----

func (sc *SmartConnect) SetAccessToken(t string) { sc.accessToken = t }
func (sc *SmartConnect) GetUserID() string       { return sc.userID }
func (sc *SmartConnect) GetFeedToken() string    { return sc.feedToken }
func (sc *SmartConnect) APIKey() string          { return sc.apiKey }

// ---- API Methods ----

// GenerateSession logs in with client code, password and TOTP, stores the
// tokens on the client, and confirms them with a profile call.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (Session, error) {
	data, err := sc.doRequest(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": clientCode, "password": password, "totp": totp,
	})
	if err != nil {
		return Session{}, fmt.Errorf("smartconnect: login: %w", err)
	}
	var tokens struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil || tokens.JWTToken == "" {
		return Session{}, fmt.Errorf("smartconnect: login: %w", ErrUnexpectedResponse)
	}

	sc.accessToken = tokens.JWTToken
	sc.refreshToken = tokens.RefreshToken
	sc.feedToken = tokens.FeedToken

	prof, err := sc.GetProfile(ctx, tokens.RefreshToken)
	if err != nil {
		return Session{}, err
	}
	sc.userID = firstNonEmpty(prof.ClientCode, clientCode)
	return Session{
		ClientCode:   sc.userID,
		Name:         prof.Name,
		JWTToken:     tokens.JWTToken,
		RefreshToken: tokens.RefreshToken,
		FeedToken:    tokens.FeedToken,
	}, nil
}

// Profile is the subset of getProfile the service reads.
type Profile struct {
	ClientCode string   `json:"clientcode"`
	Name       string   `json:"name"`
	Exchanges  []string `json:"exchanges"`
}

func (sc *SmartConnect) GetProfile(ctx context.Context, refreshToken string) (Profile, error) {
	data, err := sc.doRequest(ctx, http.MethodGet, "api.user.profile", map[string]any{"refreshToken": refreshToken})
	if err != nil {
		return Profile{}, fmt.Errorf("smartconnect: profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("smartconnect: profile: %w", ErrUnexpectedResponse)
	}
	return p, nil
}

func (sc *SmartConnect) TerminateSession(ctx context.Context, clientCode string) error {
	_, err := sc.doRequest(ctx, http.MethodPost, "api.logout", map[string]any{"clientcode": clientCode})
	return err
}

// ---- Market / Data ----

// Candle intervals accepted by getCandleData.
const (
	IntervalOneMinute = "ONE_MINUTE"
	IntervalOneDay    = "ONE_DAY"
)

const candleTimeLayout = "2006-01-02 15:04"

// CandleParams selects a historical candle range.
type CandleParams struct {
	Exchange    string
	SymbolToken string
	Interval    string
	From        time.Time
	To          time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// GetCandleData fetches bars for p, oldest first. Each bar on the wire is
// [timestamp, open, high, low, close, volume].
func (sc *SmartConnect) GetCandleData(ctx context.Context, p CandleParams) ([]Candle, error) {
	data, err := sc.doRequest(ctx, http.MethodPost, "api.candle.data", map[string]any{
		"exchange":    p.Exchange,
		"symboltoken": p.SymbolToken,
		"interval":    p.Interval,
		"fromdate":    p.From.Format(candleTimeLayout),
		"todate":      p.To.Format(candleTimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("smartconnect: candles %s:%s: %w", p.Exchange, p.SymbolToken, err)
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("smartconnect: candles: %w", ErrUnexpectedResponse)
	}
	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandle(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCandle(row []json.RawMessage) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, fmt.Errorf("smartconnect: candle row has %d fields: %w", len(row), ErrUnexpectedResponse)
	}
	var ts string
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return Candle{}, fmt.Errorf("smartconnect: candle time: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Candle{}, fmt.Errorf("smartconnect: candle time %q: %w", ts, err)
	}
	c := Candle{Time: t}
	for i, dst := range []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close} {
		v, err := decimal.NewFromString(strings.Trim(string(row[i+1]), `"`))
		if err != nil {
			return Candle{}, fmt.Errorf("smartconnect: candle field %d: %w", i+1, err)
		}
		*dst = v
	}
	if len(row) > 5 {
		_ = json.Unmarshal(row[5], &c.Volume)
	}
	return c, nil
}

// lookback covers weekends and exchange holidays before the reference day.
const lookback = 10 * 24 * time.Hour

// PreviousDayCandle returns the last daily bar that closed before day.
// day is a calendar date in the exchange's local zone.
func (sc *SmartConnect) PreviousDayCandle(ctx context.Context, exchange, token string, day time.Time) (Candle, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	bars, err := sc.GetCandleData(ctx, CandleParams{
		Exchange:    exchange,
		SymbolToken: token,
		Interval:    IntervalOneDay,
		From:        start.Add(-lookback),
		To:          start.Add(-time.Minute),
	})
	if err != nil {
		return Candle{}, err
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Time.Before(start) {
			return bars[i], nil
		}
	}
	return Candle{}, fmt.Errorf("smartconnect: no daily candle for %s:%s before %s", exchange, token, start.Format("2006-01-02"))
}
