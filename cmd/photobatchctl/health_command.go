package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"photobatch/internal/health"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarise pipeline health and status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				report, err := svc.maintenance.Health(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				fmt.Fprintf(out, "Status:           %s\n", report.Status)
				fmt.Fprintf(out, "Failure rate:     %.1f%%\n", report.Stats.PhotoFailureRate)
				fmt.Fprintf(out, "Pending previews: %d\n", report.Stats.PendingPreviews)
				fmt.Fprintf(out, "Pending archives: %d\n", report.Stats.PendingZips)
				fmt.Fprintf(out, "Processing:       %d photos, %d batches\n", report.Stats.StuckPhotos, report.Stats.StuckBatches)
				if len(report.Issues) > 0 {
					fmt.Fprintln(out, "Issues:")
					for _, issue := range report.Issues {
						fmt.Fprintf(out, "  - %s\n", issue)
					}
				}
				if report.Status == health.StatusUnhealthy {
					return fmt.Errorf("pipeline %s", report.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
