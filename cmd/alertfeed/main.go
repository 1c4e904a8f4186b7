// cmd/alertfeed is the alert and paper-trading service: one upstream
// SmartStream feed per session fanned out to WebSocket viewers, with alert
// evaluation, a paper ledger, Redis session snapshots and a SQLite history
// of closed trades.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trading-alertsv1/config"
	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/api"
	"trading-alertsv1/internal/feed"
	"trading-alertsv1/internal/gateway"
	"trading-alertsv1/internal/logger"
	"trading-alertsv1/internal/markethours"
	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/notification"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"
	redisstore "trading-alertsv1/internal/store/redis"
	sqlitestore "trading-alertsv1/internal/store/sqlite"
	"trading-alertsv1/internal/watchdog"
	"trading-alertsv1/pkg/smartconnect"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const stagingClient = "STAGING"

func main() {
	cfg := config.Load()
	log := logger.Init("alertfeed", logger.ParseLevel(cfg.LogLevel))
	if cfg.StagingMode {
		log.Warn("staging mode: feed comes from tickserver, no broker login", "feed_url", cfg.FeedURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, health)
	metricsSrv.Start()

	store := session.NewStore()

	// ---- Trade history (SQLite) ----
	if err := ensureParentDir(cfg.SQLitePath); err != nil {
		log.Error("sqlite directory", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	history, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, prom, log)
	if err != nil {
		log.Error("sqlite init failed", "error", err)
		os.Exit(1)
	}

	// ---- Session snapshots (Redis) ----
	var (
		saver       model.SessionSaver = model.NopSaver{}
		redisSaver  *redisstore.Saver
		redisWriter *redisstore.Writer
		redisClient *goredis.Client
	)
	redisWriter, err = redisstore.New(ctx, redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		TTL:      cfg.SnapshotTTL,
	})
	if err != nil {
		log.Warn("redis init failed, sessions will not survive restarts", "addr", cfg.RedisAddr, "error", err)
		redisWriter = nil
	} else {
		redisSaver = redisstore.NewSaver(ctx, redisWriter, store, nil, prom, log)
		saver = redisSaver
		redisClient = redisWriter.Client()
		health.CheckRedis(ctx, redisClient)
	}
	health.CheckSQLite(ctx, history.DB())
	health.StartLivenessChecker(ctx, redisClient, history.DB(), 10*time.Second)

	// ---- Notifications ----
	notifiers := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	dispatcher := notification.NewDispatcher(notifiers, 256, 1, 5, log)
	go dispatcher.Run(ctx)

	// ---- Core ----
	engine := paper.NewEngine(paper.Config{
		DefaultQty: cfg.PaperDefaultQty,
		SquareOff:  cfg.SquareOffWindow(),
	}, saver, history, prom, log)
	evaluator := alerts.NewEvaluator(engine, saver, dispatcher, prom, log)
	viewers := gateway.NewBroadcaster(prom, log)

	// ---- Broker login ----
	var (
		sc      *smartconnect.SmartConnect
		creds   model.Credentials
		candles alerts.CandleSource
	)
	clientID := cfg.AngelClientCode
	if cfg.StagingMode {
		clientID = stagingClient
		creds = model.Credentials{ClientCode: stagingClient, JWTToken: "staging", FeedToken: "staging", APIKey: "staging"}
	} else {
		sc = smartconnect.NewSmartConnect(smartconnect.Config{
			APIKey:  cfg.AngelAPIKey,
			RootURL: cfg.AngelRootURL,
			Logger:  log,
		})
		sc.SessionExpiryHook = func() { log.Warn("broker session expired; it is renewed at the next market open") }
		creds, err = login(ctx, sc, cfg)
		if err != nil {
			log.Error("broker login failed", "error", err)
			os.Exit(1)
		}
		candles = candleSource{api: sc, now: time.Now}
	}

	feeds := feed.NewManager(ctx, feed.SmartStreamFactory(smartconnect.StreamConfig{URL: cfg.FeedURL}, log),
		evaluator, engine, feedIndices(cfg.Indices()), prom, log)

	observe := func(_ string, ev model.Event) {
		if ev.Type == model.EventPriceUpdate {
			health.SetLastTickTime(time.Now())
		}
	}
	startFeed := func(s *session.Session) {
		id := s.ID
		feeds.Start(s, func(ev model.Event) {
			observe(id, ev)
			viewers.Dispatch(id, ev)
		})
	}

	s := restoreOrCreate(ctx, store, redisWriter, clientID, creds, cfg.InitialBalance(), log)
	saver.Save(s.ID)
	// Alerts keep evaluating while nobody is watching.
	startFeed(s)

	if sc != nil {
		go renewDaily(ctx, sc, cfg, s, feeds, startFeed, log)
	}

	wd := watchdog.New(watchdog.Config{
		Interval:    cfg.HeartbeatInterval(),
		MaxFailures: cfg.HeartbeatMaxFailures,
	}, viewers, feeds, engine, log)
	go wd.Run(ctx)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := len(feeds.Sessions())
				health.SetFeedSessions(n)
				prom.SetFeedSessions(n)
			}
		}
	}()

	// ---- HTTP / WS surface ----
	router := api.NewRouter(api.Deps{
		Sessions: store,
		Feeds:    feeds,
		Viewers:  viewers,
		Alerts:   evaluator,
		Paper:    engine,
		Saver:    saver,
		Candles:  candles,
		History:  history,
		Health:   health,
		Log:      log,
		Observe:  observe,
		Login: func(context.Context) (*session.Session, error) {
			if existing, ok := store.GetByClient(clientID); ok {
				return existing, nil
			}
			created := store.Create(clientID, creds, cfg.InitialBalance())
			saver.Save(created.ID)
			return created, nil
		},
	})
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Info("api listening", "addr", cfg.ListenAddr, "session_id", s.ID, "client_id", clientID)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
			stop()
		}
	}()
	log.Info("alertfeed ready", "market", markethours.StatusString(time.Now()), "squareoff", cfg.SquareOffWindow().String())

	// ---- Shutdown ----
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown", "error", err)
	}
	viewers.CloseAll()
	feeds.StopAll()

	if redisSaver != nil {
		redisSaver.Wait()
		for _, sess := range store.All() {
			if err := redisSaver.SaveNow(shutdownCtx, sess); err != nil {
				log.Warn("final snapshot failed", "session_id", sess.ID, "error", err)
			}
		}
		redisWriter.Close()
	}
	if err := history.Close(shutdownCtx); err != nil {
		log.Warn("trade history close failed", "error", err)
	}
	if sc != nil {
		if err := sc.TerminateSession(shutdownCtx, clientID); err != nil {
			log.Debug("broker logout failed", "error", err)
		}
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", "error", err)
	}
	log.Info("shutdown complete")
}

// login generates a fresh TOTP and exchanges it for feed credentials.
func login(ctx context.Context, sc *smartconnect.SmartConnect, cfg *config.Config) (model.Credentials, error) {
	code, err := totp.GenerateCode(cfg.AngelTOTPSecret, time.Now())
	if err != nil {
		return model.Credentials{}, fmt.Errorf("totp: %w", err)
	}
	sess, err := sc.GenerateSession(ctx, cfg.AngelClientCode, cfg.AngelPassword, code)
	if err != nil {
		return model.Credentials{}, err
	}
	if sess.FeedToken == "" || sess.JWTToken == "" {
		return model.Credentials{}, errors.New("empty tokens from session")
	}
	return model.Credentials{
		ClientCode: sess.ClientCode,
		JWTToken:   sess.JWTToken,
		FeedToken:  sess.FeedToken,
		APIKey:     sc.APIKey(),
	}, nil
}

// renewDaily logs in again at every market open and restarts the session's
// feed with the new tokens. Broker tokens do not outlive the trading day.
func renewDaily(ctx context.Context, sc *smartconnect.SmartConnect, cfg *config.Config, s *session.Session, feeds *feed.Manager, start func(*session.Session), log *slog.Logger) {
	for {
		next := markethours.NextOpen(time.Now())
		log.Info("next broker login scheduled", "at", next.Format("Mon 15:04"))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		creds, err := login(ctx, sc, cfg)
		for attempt := 1; err != nil && attempt <= 5; attempt++ {
			log.Warn("broker login failed, retrying in 30s", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			creds, err = login(ctx, sc, cfg)
		}
		if err != nil {
			log.Error("broker login failed at market open", "error", err)
			continue
		}

		s.Lock()
		s.Credentials = creds
		s.Unlock()
		feeds.Stop(s.ID)
		start(s)
		log.Info("feed restarted with fresh credentials", "session_id", s.ID)
	}
}

// restoreOrCreate reuses the client's last snapshot when Redis has one.
// Restored sessions take the fresh credentials.
func restoreOrCreate(ctx context.Context, store *session.Store, w *redisstore.Writer, clientID string, creds model.Credentials, balance decimal.Decimal, log *slog.Logger) *session.Session {
	if w != nil {
		readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		snap, err := w.ReadSnapshotByClient(readCtx, clientID)
		cancel()
		switch {
		case err == nil:
			s := session.FromSnapshot(snap)
			s.Credentials = creds
			store.Put(s)
			log.Info("session restored", "session_id", s.ID, "alerts", len(snap.Alerts), "trades", len(snap.PaperTrades))
			return s
		case !errors.Is(err, redisstore.ErrNotFound):
			log.Warn("session restore failed, starting fresh", "error", err)
		}
	}
	s := store.Create(clientID, creds, balance)
	log.Info("session created", "session_id", s.ID, "balance", balance.StringFixed(2))
	return s
}

// ensureParentDir creates the directory holding path.
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func feedIndices(in []config.Index) []feed.Index {
	out := make([]feed.Index, 0, len(in))
	for _, ix := range in {
		out = append(out, feed.Index{Token: ix.Token, Symbol: ix.Symbol, Exchange: ix.Exchange})
	}
	return out
}
