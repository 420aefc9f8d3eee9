package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Move due outbox rows onto the dispatch queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Log

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		producer, err := newProducer(cfg)
		if err != nil {
			return fmt.Errorf("queue producer: %w", err)
		}
		defer producer.Close()

		r := queue.NewRelay(mysqlDB, repository.NewOutboxRepository(mysqlDB), producer, log)
		if cfg.Relay.BatchSize > 0 {
			r.BatchSize = cfg.Relay.BatchSize
		}
		if cfg.Relay.PollInterval > 0 {
			r.PollInterval = cfg.Relay.PollInterval
		}

		serveMetrics(ctx, cfg, log)

		log.Info("outbox relay started",
			zap.String("driver", cfg.Queue.Driver),
			zap.String("topic", cfg.Queue.Topic),
			zap.Int("batch_size", r.BatchSize))

		err = r.Run(ctx)
		log.Info("outbox relay stopped")
		return err
	},
}
