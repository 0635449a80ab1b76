package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"photobatch/internal/ingest"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var direct bool

	cmd := &cobra.Command{
		Use:   "submit BATCH_ID PHOTO_ID...",
		Short: "Start preview and archive processing for uploaded photos",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, photoIDs := args[0], args[1:]
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				out := cmd.OutOrStdout()
				if direct || svc.publisher == nil {
					handle, err := svc.submitter.SubmitBatch(cmd.Context(), batchID, photoIDs)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Submitted batch %s (archive job %s)\n", batchID, handle)
					return nil
				}
				if err := svc.publisher.Publish(cmd.Context(), ingest.UploadEvent{BatchID: batchID, PhotoIDs: photoIDs}); err != nil {
					return err
				}
				fmt.Fprintf(out, "Published upload event for batch %s (%d photos)\n", batchID, len(photoIDs))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&direct, "direct", false, "Submit directly instead of publishing an upload event")
	return cmd
}
