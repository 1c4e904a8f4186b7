package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"trading-alertsv1/internal/markethours"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	AngelRootURL    string

	// Staging runs against cmd/tickserver without broker credentials.
	StagingMode bool
	FeedURL     string

	// Infrastructure
	ListenAddr    string
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	SnapshotTTL   time.Duration
	SQLitePath    string
	LogLevel      string

	// Heartbeat
	HeartbeatIntervalSec int
	HeartbeatMaxFailures int

	// Paper trading
	PaperDefaultQty     int64
	PaperInitialBalance string
	SquareOffStart      string
	SquareOffEnd        string

	// Always-subscribed indices: "token:symbol[:exchange]", comma-separated.
	IndexTokens string

	// Notifications
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Index is one always-subscribed index instrument.
type Index struct {
	Token    string `yaml:"token"`
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
}

const defaultIndexTokens = "99926000:NIFTY 50,99926009:NIFTY BANK,99926012:NIFTY FIN SERVICE,99919000:SENSEX:BSE"

// Load reads configuration from .env (if present), environment variables and
// an optional YAML overlay named by CONFIG_FILE.
func Load() *Config {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	staging := getBool("STAGING_MODE", false)
	cred := mustEnv
	if staging {
		cred = func(key string) string { return getEnv(key, "") }
	}

	cfg := &Config{
		AngelAPIKey:     cred("ANGEL_API_KEY"),
		AngelClientCode: cred("ANGEL_CLIENT_CODE"),
		AngelPassword:   cred("ANGEL_PASSWORD"),
		AngelTOTPSecret: cred("ANGEL_TOTP_SECRET"),
		AngelRootURL:    getEnv("ANGEL_ROOT_URL", ""),

		StagingMode: staging,
		FeedURL:     getEnv("FEED_URL", ""),

		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SnapshotTTL:   time.Duration(getInt("SNAPSHOT_TTL_HOURS", 168)) * time.Hour,
		SQLitePath:    getEnv("SQLITE_PATH", "data/trades.db"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		HeartbeatIntervalSec: getInt("HEARTBEAT_INTERVAL_SEC", 5),
		HeartbeatMaxFailures: getInt("HEARTBEAT_MAX_FAILURES", 5),

		PaperDefaultQty:     int64(getInt("PAPER_DEFAULT_QTY", 1)),
		PaperInitialBalance: getEnv("PAPER_INITIAL_BALANCE", "100000"),
		SquareOffStart:      getEnv("SQUAREOFF_START", "15:15"),
		SquareOffEnd:        getEnv("SQUAREOFF_END", "15:45"),

		IndexTokens: getEnv("INDEX_TOKENS", defaultIndexTokens),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
	if staging && cfg.FeedURL == "" {
		cfg.FeedURL = "ws://localhost:9001/ws"
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			log.Fatalf("[config] %v", err)
		}
	}
	return cfg
}

// overlay is the YAML file layout. Only non-zero fields override.
type overlay struct {
	Indices []Index `yaml:"indices"`
	Paper   struct {
		DefaultQty     int64  `yaml:"default_qty"`
		InitialBalance string `yaml:"initial_balance"`
		SquareOffStart string `yaml:"squareoff_start"`
		SquareOffEnd   string `yaml:"squareoff_end"`
	} `yaml:"paper"`
	Heartbeat struct {
		IntervalSec int `yaml:"interval_sec"`
		MaxFailures int `yaml:"max_failures"`
	} `yaml:"heartbeat"`
}

// ApplyFile overlays the YAML file at path onto c.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.ApplyYAML(raw)
}

// ApplyYAML overlays a YAML document onto c.
func (c *Config) ApplyYAML(raw []byte) error {
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if len(o.Indices) > 0 {
		parts := make([]string, 0, len(o.Indices))
		for _, ix := range o.Indices {
			parts = append(parts, ix.Token+":"+ix.Symbol+":"+ix.Exchange)
		}
		c.IndexTokens = strings.Join(parts, ",")
	}
	if o.Paper.DefaultQty > 0 {
		c.PaperDefaultQty = o.Paper.DefaultQty
	}
	if o.Paper.InitialBalance != "" {
		c.PaperInitialBalance = o.Paper.InitialBalance
	}
	if o.Paper.SquareOffStart != "" {
		c.SquareOffStart = o.Paper.SquareOffStart
	}
	if o.Paper.SquareOffEnd != "" {
		c.SquareOffEnd = o.Paper.SquareOffEnd
	}
	if o.Heartbeat.IntervalSec > 0 {
		c.HeartbeatIntervalSec = o.Heartbeat.IntervalSec
	}
	if o.Heartbeat.MaxFailures > 0 {
		c.HeartbeatMaxFailures = o.Heartbeat.MaxFailures
	}
	return nil
}

// HeartbeatInterval returns the viewer heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// SquareOffWindow parses the square-off bounds, falling back to the default
// window when they are invalid.
func (c *Config) SquareOffWindow() markethours.Window {
	w, err := markethours.ParseWindow(c.SquareOffStart, c.SquareOffEnd)
	if err != nil {
		log.Printf("[config] invalid square-off window %q-%q, using default: %v", c.SquareOffStart, c.SquareOffEnd, err)
		return markethours.DefaultSquareOffWindow()
	}
	return w
}

// InitialBalance parses PaperInitialBalance.
func (c *Config) InitialBalance() decimal.Decimal {
	d, err := decimal.NewFromString(c.PaperInitialBalance)
	if err != nil || !d.IsPositive() {
		log.Printf("[config] invalid initial balance %q, using 100000", c.PaperInitialBalance)
		return decimal.NewFromInt(100000)
	}
	return d
}

// Indices parses IndexTokens. Exchange defaults to NSE.
func (c *Config) Indices() []Index {
	parts := strings.Split(c.IndexTokens, ",")
	out := make([]Index, 0, len(parts))
	for _, p := range parts {
		fields := strings.Split(strings.TrimSpace(p), ":")
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			if p != "" {
				log.Printf("[config] skipping invalid index entry: %q", p)
			}
			continue
		}
		ix := Index{Token: strings.TrimSpace(fields[0]), Symbol: strings.TrimSpace(fields[1]), Exchange: "NSE"}
		if len(fields) > 2 && strings.TrimSpace(fields[2]) != "" {
			ix.Exchange = strings.ToUpper(strings.TrimSpace(fields[2]))
		}
		out = append(out, ix)
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
