package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/amqp"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	httpSrv "github.com/jmehdipour/campaign-gateway/internal/http"
	"github.com/jmehdipour/campaign-gateway/internal/kafka"
	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	// attach subcommands
	cmd.AddCommand(dispatchCmd)
	cmd.AddCommand(relayCmd)

	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newConsumer(cfg config.Config) (queue.Consumer, error) {
	switch cfg.Queue.Driver {
	case "amqp":
		return amqp.NewConsumer(amqp.Config{URL: cfg.AMQP.URL, Queue: cfg.Queue.Topic, Prefetch: cfg.AMQP.Prefetch})
	default:
		return kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Queue.Topic,
			GroupID:        cfg.Kafka.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		}), nil
	}
}

func newProducer(cfg config.Config) (queue.Producer, error) {
	switch cfg.Queue.Driver {
	case "amqp":
		return amqp.NewProducer(amqp.Config{URL: cfg.AMQP.URL, Queue: cfg.Queue.Topic})
	default:
		return kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Queue.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}), nil
	}
}

// serveMetrics exposes /metrics until ctx is done; an empty addr disables it.
func serveMetrics(ctx context.Context, cfg config.Config, log *zap.Logger) {
	if cfg.HTTP.MetricsAddr == "" {
		return
	}
	srv := httpSrv.NewMetricsServer(cfg.Log.Level, log)
	go func() {
		if err := srv.Start(cfg.HTTP.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}
