package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/svcbus/internal/broker"
	"github.com/snehjoshi/svcbus/internal/store"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "Inspect the persistence store directly"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List persisted envelopes awaiting delivery",
		Long: "Reads the configured backend without a running daemon. The bolt\n" +
			"backend is locked while the daemon runs; use `deliveries pending` then.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			s, err := broker.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.LoadAll(cmd.Context())
			var skipped *store.SkippedError
			if err != nil && !errors.As(err, &skipped) {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range recs {
				e := r.Envelope
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Topic, e.Priority, r.Attempts,
					r.NextRetryAt.Format(time.RFC3339))
			}
			if skipped != nil {
				for _, id := range skipped.IDs {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\tundecodable record skipped\n", id)
				}
			}
			return nil
		},
	})
	return cmd
}
