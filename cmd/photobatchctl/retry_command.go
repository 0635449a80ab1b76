package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var previews, zips, all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-dispatch failed previews and archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				previews, zips = true, true
			}
			if !previews && !zips {
				return errors.New("nothing to retry: pass --previews, --zips or --all")
			}
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				out := cmd.OutOrStdout()
				if previews {
					n, err := svc.maintenance.RetryFailedPreviews(cmd.Context(), limit)
					if err != nil {
						return fmt.Errorf("retry previews: %w", err)
					}
					fmt.Fprintf(out, "Retried %d failed previews\n", n)
				}
				if zips {
					n, err := svc.maintenance.RetryFailedArchives(cmd.Context(), limit)
					if err != nil {
						return fmt.Errorf("retry archives: %w", err)
					}
					fmt.Fprintf(out, "Retried %d failed archives\n", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&previews, "previews", false, "Retry failed previews")
	cmd.Flags().BoolVar(&zips, "zips", false, "Retry failed batch archives")
	cmd.Flags().BoolVar(&all, "all", false, "Retry previews and archives")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items to retry per kind")
	return cmd
}

func newResetStaleCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "reset-stale",
		Short: "Re-dispatch previews and archives stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				photos, err := svc.maintenance.ResetStalePreviews(cmd.Context(), olderThan, limit)
				if err != nil {
					return fmt.Errorf("reset previews: %w", err)
				}
				batches, err := svc.maintenance.ResetStaleArchives(cmd.Context(), olderThan, limit)
				if err != nil {
					return fmt.Errorf("reset archives: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stale previews and %d stale archives\n", photos, batches)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Claim age after which processing counts as stale")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items to reset per kind")
	return cmd
}

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the batch preview cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove every cached batch preview lookup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				n, err := svc.maintenance.SweepCache(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries\n", n)
				return nil
			})
		},
	})
	return cacheCmd
}
