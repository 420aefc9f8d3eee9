package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo users and draft campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Log

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Info("seeding demo users")
		if err := seedUsers(sqlDB); err != nil {
			return err
		}

		n, err := seedCampaigns(cmd.Context(), sqlDB)
		if err != nil {
			return err
		}
		log.Info("seed completed", zap.Int("campaigns", n))
		return nil
	},
}

// seedUsers inserts deterministic demo users (idempotent on api_key).
func seedUsers(dbx *sqlx.DB) error {
	users := []model.User{
		{Name: "Acme Marketing", Email: "ops@acme.test", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: intptr(20)},
		{Name: "Foobar Growth", Email: "growth@foobar.test", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: intptr(50)},
		{Name: "Beta Testers", Email: "beta@example.test", APIKey: "33333333333333333333333333333333", Status: "active", RateLimitRPS: intptr(5)},
		{Name: "Suspended Inc", Email: "billing@suspended.test", APIKey: "44444444444444444444444444444444", Status: "suspended"},
	}

	const q = `
INSERT INTO users
    (name, email, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name           = VALUES(name),
    email          = VALUES(email),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, u := range users {
		if _, err := tx.Exec(q, u.Name, u.Email, u.APIKey, u.Status, u.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert user %q: %w", u.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit users: %w", err)
	}
	return nil
}

// seedCampaigns gives the first demo user one draft per channel, unless it
// already owns campaigns.
func seedCampaigns(ctx context.Context, dbx *sqlx.DB) (int, error) {
	var ownerID int64
	if err := dbx.GetContext(ctx, &ownerID, `SELECT id FROM users WHERE api_key = ?`, "11111111111111111111111111111111"); err != nil {
		return 0, fmt.Errorf("find demo user: %w", err)
	}

	repo := repository.NewCampaignsRepository(dbx)
	existing, err := repo.CountByQuery(ctx, repository.CampaignFilter{CreatedBy: ownerID})
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	drafts := []model.Campaign{
		{
			Name:       "Welcome series",
			Channel:    model.ChannelEmail,
			Content:    "<h1>Welcome!</h1><p>Thanks for signing up.</p>",
			Recipients: model.StringList{"alice@example.test", "bob@example.test"},
		},
		{
			Name:       "Flash sale",
			Channel:    model.ChannelSMS,
			Content:    "Flash sale: 20% off today only.",
			Recipients: model.StringList{"+15550000001", "+15550000002"},
		},
	}
	for i := range drafts {
		c := &drafts[i]
		c.ID = util.NewID()
		c.Status = model.StatusDraft
		c.CreatedBy = ownerID
		c.CreatedAt, c.UpdatedAt = now, now
		if err := repo.Create(ctx, nil, c); err != nil {
			return i, fmt.Errorf("insert campaign %q: %w", c.Name, err)
		}
	}
	return len(drafts), nil
}

func intptr(i int) *int { return &i }
