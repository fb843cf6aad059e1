package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/pricing"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

func priceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Read or change the clinic hourly rate",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current hourly rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := pricingService(e, nil).Setting(cmd.Context(), auth.Actor{Role: auth.RoleAdmin})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/hour (version %d, updated %s)\n",
				s.HourlyRate, s.Currency, s.Version, s.UpdatedAt.Format("2006-01-02 15:04"))
			return nil
		},
	}

	var by string
	set := &cobra.Command{
		Use:   "set <amount>",
		Short: "Change the hourly rate, e.g. price set 750.00 --by <admin id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := money.Parse(args[0])
			if err != nil {
				return err
			}
			adminID, err := uuid.Parse(by)
			if err != nil {
				return fmt.Errorf("--by must be a user id: %w", err)
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			// the api caches the rate in redis; drop it so the change is seen at once
			var cache pricing.Cache
			if rdb, err := redisclient.NewRedisClient(e.cfg); err == nil {
				defer rdb.Close()
				cache = pricing.NewRedisCache(rdb, e.cfg.PricingCacheTTL)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "redis unavailable, cached rate expires after %s: %v\n", e.cfg.PricingCacheTTL, err)
			}

			s, err := pricingService(e, cache).UpdateHourlyRate(cmd.Context(), auth.Actor{UserID: adminID, Role: auth.RoleAdmin}, rate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hourly rate is now %s %s (version %d)\n", s.HourlyRate, s.Currency, s.Version)
			return nil
		},
	}
	set.Flags().StringVar(&by, "by", "", "id of the admin making the change (required)")
	_ = set.MarkFlagRequired("by")

	cmd.AddCommand(get, set)
	return cmd
}

func pricingService(e *env, cache pricing.Cache) *pricing.Service {
	return pricing.NewService(
		pricing.NewPgRepository(e.pool),
		cache,
		pricing.Options{DefaultRate: e.cfg.DefaultHourlyRate, FallbackPrice: e.cfg.FallbackPrice, Currency: e.cfg.Currency},
		e.log,
	)
}
