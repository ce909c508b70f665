package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/api"
	"github.com/chainpulse/reputation-engine/internal/archive"
	"github.com/chainpulse/reputation-engine/internal/chain"
	"github.com/chainpulse/reputation-engine/internal/config"
	"github.com/chainpulse/reputation-engine/internal/features"
	"github.com/chainpulse/reputation-engine/internal/hub"
	"github.com/chainpulse/reputation-engine/internal/ingest"
	"github.com/chainpulse/reputation-engine/internal/monitor"
	"github.com/chainpulse/reputation-engine/internal/notify"
	"github.com/chainpulse/reputation-engine/internal/registry"
	"github.com/chainpulse/reputation-engine/internal/scoring"
)

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("configuration invalid")
		return 1
	}

	log := newLogger(cfg)
	log.Info("starting ChainPulse reputation engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chain connectivity is the one mandatory collaborator; every other
	// integration degrades to a warning.
	chainClient, err := chain.Dial(ctx, log, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		log.WithError(err).Error("chain dial failed")
		return 1
	}
	defer chainClient.Close()

	engine := buildEngine(log, cfg)

	var reg *registry.Registry
	if cfg.ContractAddress != "" {
		reg, err = registry.New(log, chainClient, cfg.ContractAddress, cfg.PrivateKey)
		switch {
		case err != nil:
			log.WithError(err).Warn("flag registry unavailable, flag endpoints disabled")
		case reg.CanWrite():
			log.WithField("signer", reg.Signer()).Info("flag registry writable")
		default:
			log.Info("flag registry read-only, no private key")
		}
	} else {
		log.Info("no CONTRACT_ADDRESS set, flag registry disabled")
	}

	var store *archive.Archive
	if cfg.DatabaseURL != "" {
		store, err = archive.Connect(ctx, log, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Warn("archive unavailable, continuing without persistence")
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				log.WithError(err).Warn("archive schema init failed")
			}
		}
	}

	var alerts *notify.Notifier
	if cfg.AlertWebhookURL != "" {
		alerts = notify.New(log, cfg.AlertWebhookURL)
		log.Info("webhook alerts enabled")
	}

	streamHub := hub.New(log)
	ingester := ingest.New(log, chainClient, cfg.WalletScanInterval)
	coord := monitor.New(log, chainClient, ingester, features.NewExtractor(), engine, streamHub)
	coord.SetRegistry(reg)
	coord.SetArchive(store)
	coord.SetNotifier(alerts)

	// Stream subscriptions drive the monitor lifecycle: the first watcher
	// of a wallet starts its monitor, the last one leaving stops it.
	streamHub.SetSubscribeHook(func(wallet, sessionID string) {
		if _, err := coord.StartMonitor(ctx, wallet, nil); err != nil {
			log.WithError(err).WithField("wallet", wallet).Warn("subscribe hook failed")
		}
	})
	streamHub.SetUnsubscribeHook(func(wallet string) {
		if _, err := coord.StopMonitor(wallet); err != nil {
			log.WithError(err).WithField("wallet", wallet).Warn("unsubscribe hook failed")
		}
	})

	go streamHub.Run(ctx)
	go coord.Run(ctx)
	go ingester.TrackHead(ctx, cfg.BlockPollInterval)

	router := api.SetupRouter(cfg, log, monitor.NewFacade(coord), coord, chainClient, reg, streamHub)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			return 1
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.WithError(err).Warn("http drain incomplete")
	}

	log.Info("engine stopped")
	return 0
}

// newLogger configures logrus from LOG_LEVEL and NODE_ENV: JSON lines in
// production, human-readable text otherwise.
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// buildEngine loads the scoring artifacts best-effort. A missing or broken
// model leaves the engine in rule-based fallback mode, never aborts startup.
func buildEngine(log *logrus.Logger, cfg *config.Config) *scoring.Engine {
	var model *scoring.Model
	if cfg.ModelPath != "" {
		m, err := scoring.LoadModel(cfg.ModelPath, cfg.ScalerPath, cfg.FeaturesPath)
		if err != nil {
			log.WithError(err).Warn("model load failed, rule-based fallback scoring only")
		} else {
			model = m
			log.WithField("path", cfg.ModelPath).Info("scoring model loaded")
		}
	} else {
		log.Info("no MODEL_PATH set, rule-based fallback scoring only")
	}

	blacklist := scoring.NewBlacklist()
	if cfg.BlacklistPath != "" {
		bl, n, err := scoring.LoadBlacklist(cfg.BlacklistPath)
		if err != nil {
			log.WithError(err).Warn("blacklist load failed, starting empty")
		} else {
			blacklist = bl
			log.WithField("entries", n).Info("blacklist loaded")
		}
	}

	return scoring.NewEngine(log, model, blacklist)
}
