package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/angleito/robustty/internal/model"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show provider breaker state and rolling statistics",
	Long:  "Prints each enabled provider's circuit state, success rate, latency and priority score. Statistics are process-local unless priority.redis_url is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		health, err := env.Search.Health(ctx)
		if err != nil {
			return eris.Wrap(err, "providers")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(health)
		}
		formatHealth(os.Stdout, health)
		return nil
	},
}

func init() {
	providersCmd.Flags().Bool("json", false, "print health as JSON")
	rootCmd.AddCommand(providersCmd)
}

// formatHealth writes a tabular provider health report to out.
func formatHealth(out io.Writer, health []model.ProviderHealth) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tSAMPLES\tSUCCESS\tAVG_LATENCY\tSCORE\tLAST")
	for _, h := range health {
		state := h.State
		if h.Disabled {
			state = "disabled"
		}
		last := "-"
		if h.LastOutcome != "" {
			last = string(h.LastOutcome)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f%%\t%s\t%.3f\t%s\n",
			h.ProviderID,
			state,
			h.ConsecutiveFailures,
			h.SampleCount,
			h.SuccessRate*100,
			h.AvgLatency.Round(time.Millisecond),
			h.Score,
			last,
		)
	}
	_ = w.Flush()
}
