package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	httpSrv "github.com/jmehdipour/campaign-gateway/internal/http"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP API and websocket gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Log

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := notify.NewHub(log, notify.HubOptions{
			ClientBuffer: cfg.WebSocket.ClientBuffer,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		})
		defer hub.Close()

		// events from this process and from workers all arrive through Redis
		bus := notify.NewRedisBus(redisClient, cfg.Redis.EventsChannel, log)
		relay := notify.NewRelay(redisClient, cfg.Redis.EventsChannel, hub, log)

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			MySQL:      mysqlDB,
			ClickHouse: chDB,
			Redis:      redisClient,
			Emit:       bus,
			WS:         hub,
			Log:        log,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			bus.Run(gctx)
			return nil
		})
		g.Go(func() error { return relay.Run(gctx, nil) })
		g.Go(func() error {
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			return nil
		})

		return g.Wait()
	},
}
