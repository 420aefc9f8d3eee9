package worker

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/dispatcher"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/sender"
	"github.com/jmehdipour/campaign-gateway/internal/service/status"
	"github.com/jmehdipour/campaign-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Consume dispatch messages and run campaigns",
	RunE:  runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1) stores
	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer mysqlDB.Close()

	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	rdb, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	campaignsRepo := repository.NewCampaignsRepository(mysqlDB)

	// 2) status broadcast: websocket gateways via Redis, history via ClickHouse
	bus := notify.NewRedisBus(rdb, cfg.Redis.EventsChannel, log)
	recorder := notify.NewHistoryRecorder(repository.NewHistoryRepository(chDB), cfg.History.BatchSize, cfg.History.BatchWait, log)
	tracker := status.New(campaignsRepo, notify.Fanout{bus, recorder}, log)

	// 3) channel senders, built on first use
	senders := sender.NewRegistry()
	senders.Register(model.ChannelEmail, func() (sender.Sender, error) {
		return sender.NewEmailSender(cfg.SMTP)
	})
	senders.Register(model.ChannelSMS, func() (sender.Sender, error) {
		d, err := newSMSDispatcher(cfg.SMS)
		if err != nil {
			return nil, err
		}
		return sender.NewSMSSender(d, cfg.SMS.DefaultCountryCode), nil
	})

	// 4) queue
	consumer, err := newConsumer(cfg)
	if err != nil {
		return fmt.Errorf("queue consumer: %w", err)
	}
	defer consumer.Close()

	w := worker.NewDispatcher(
		consumer,
		campaignsRepo,
		tracker,
		senders,
		worker.NewRedisGuard(rdb, cfg.Dispatcher.LockTTL, cfg.Dispatcher.ProcessedTTL),
		log,
	)

	// tune knobs
	if cfg.Dispatcher.WorkerCount > 0 {
		w.Workers = cfg.Dispatcher.WorkerCount
	}
	if cfg.Dispatcher.Fanout > 0 {
		w.Fanout = cfg.Dispatcher.Fanout
	}
	if cfg.Dispatcher.SendTimeout > 0 {
		w.SendTimeout = cfg.Dispatcher.SendTimeout
	}

	serveMetrics(ctx, cfg, log)

	log.Info("dispatch worker started",
		zap.String("driver", cfg.Queue.Driver),
		zap.String("topic", cfg.Queue.Topic),
		zap.Int("workers", w.Workers),
		zap.Int("fanout", w.Fanout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error { return w.Run(gctx) })

	err = g.Wait()
	log.Info("dispatch worker stopped")
	return err
}

func newSMSDispatcher(c config.SMSConfig) (*dispatcher.Dispatcher, error) {
	var provs []dispatcher.Provider
	for _, pc := range c.Providers {
		if !pc.Enabled || strings.TrimSpace(pc.BaseURL) == "" {
			continue
		}
		provs = append(provs,
			dispatcher.NewHTTPProvider(
				pc.Name,
				strings.TrimRight(pc.BaseURL, "/"),
				pc.SendPath,
				pc.TimeoutMs,
				pc.Breaker.FailThreshold,
				pc.Breaker.OpenForMs,
			),
		)
	}
	return dispatcher.NewDispatcher(provs, c.MaxAttempts)
}
