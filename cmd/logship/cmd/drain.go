package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/logship/internal/shipper"
)

type drainResult struct {
	State     string `json:"state"`
	Before    int    `json:"before"`
	Remaining int    `json:"remaining"`
}

// drainCmd represents the drain command
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Flush the buffer once and exit",
	Long: `Run a single drain of the on-disk buffer against the listener, then
exit. Records the listener does not accept stay buffered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		s, err := shipper.New(cfg.Shipper, shipper.Deps{})
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		res := drainResult{Before: s.QueueLen()}
		res.State = string(s.Drain(ctx))
		res.Remaining = s.QueueLen()
		if err := s.Close(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		fmt.Fprintf(out, "Drain finished: %s\n", res.State)
		fmt.Fprintf(out, "  Records before: %d\n", res.Before)
		fmt.Fprintf(out, "  Records left: %d\n", res.Remaining)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)
}
