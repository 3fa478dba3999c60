package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alecgard/tithe/internal/auth"
	"github.com/alecgard/tithe/internal/budget"
	"github.com/alecgard/tithe/internal/config"
	"github.com/alecgard/tithe/internal/crypto"
	"github.com/alecgard/tithe/internal/identity"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo agent identity with a budget",
	RunE:  runSeed,
}

var seedOpts struct {
	agentID     string
	principalID string
	credential  string
	limit       string
	period      string
	tokenTTL    time.Duration
}

func init() {
	f := seedCmd.Flags()
	f.StringVar(&seedOpts.agentID, "agent", "demo-agent", "agent id in the runtime")
	f.StringVar(&seedOpts.principalID, "principal", "demo-user", "principal owning the agent")
	f.StringVar(&seedOpts.credential, "credential", "", "the principal's gateway key (required)")
	f.StringVar(&seedOpts.limit, "limit", "10", "budget limit in gateway currency")
	f.StringVar(&seedOpts.period, "period", "monthly", "budget period: daily or monthly")
	f.DurationVar(&seedOpts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed demo JWT")
	_ = seedCmd.MarkFlagRequired("credential")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	limit, err := decimal.NewFromString(seedOpts.limit)
	if err != nil || limit.IsNegative() {
		return fmt.Errorf("invalid --limit %q", seedOpts.limit)
	}
	period, err := budget.ParsePeriod(seedOpts.period)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(cfg.Identity.EncryptionKey)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	identities := identity.NewStore(pool, cipher, nil)
	rec, err := identities.Create(ctx, identity.CreateInput{
		AgentID:     seedOpts.agentID,
		PrincipalID: seedOpts.principalID,
		Credential:  seedOpts.credential,
		Status:      identity.StatusActive,
	})
	switch {
	case errors.Is(err, identity.ErrAlreadyExists):
		slog.Info("demo agent already exists, skipping", "agent_id", seedOpts.agentID)
	case err != nil:
		return fmt.Errorf("creating demo agent: %w", err)
	default:
		slog.Info("created demo agent", "agent_id", rec.AgentID, "principal_id", rec.PrincipalID)
	}

	if err := budget.NewStore(pool).Set(ctx, budget.Budget{
		PrincipalID: seedOpts.principalID,
		Limit:       limit,
		Period:      period,
	}); err != nil {
		return fmt.Errorf("setting demo budget: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Agent:      %s\n", seedOpts.agentID)
	fmt.Printf("Principal:  %s\n", seedOpts.principalID)
	fmt.Printf("Budget:     %s %s\n", limit, period)
	fmt.Printf("\nPoint the agent runtime at:\n")
	fmt.Printf("  http://localhost:%d/api/v1/llm-proxy/%s\n", cfg.Server.Port, seedOpts.agentID)

	if cfg.Auth.JWTSecret != "" {
		token, err := auth.NewVerifier(cfg.Auth.JWTSecret).Sign(seedOpts.principalID, seedOpts.tokenTTL)
		if err != nil {
			return fmt.Errorf("signing demo token: %w", err)
		}
		fmt.Printf("\nTry a chat turn:\n")
		fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"content\":\"hello\"}' http://localhost:%d/api/v1/chat/message\n", token, cfg.Server.Port)
	}
	return nil
}
