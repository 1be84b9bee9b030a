package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search every enabled provider and print ranked results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		providers, _ := cmd.Flags().GetStringSlice("provider")
		maxResults, _ := cmd.Flags().GetInt("max-results")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := model.SearchQuery{
			Text:               strings.Join(args, " "),
			MaxResults:         maxResults,
			RequestedProviders: providers,
			TimeBudget:         timeout,
		}

		resp, err := env.Search.Search(ctx, q)
		if err != nil && !errors.Is(err, search.ErrNoResults) {
			return eris.Wrap(err, "search")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(resp); encErr != nil {
				return eris.Wrap(encErr, "encode response")
			}
		} else {
			formatResponse(os.Stdout, resp)
		}
		return err
	},
}

func init() {
	searchCmd.Flags().StringSlice("provider", nil, "restrict the query to these providers (repeatable)")
	searchCmd.Flags().Int("max-results", 0, "maximum results (default from config)")
	searchCmd.Flags().Duration("timeout", 0, "global time budget, e.g. 1500ms (default from config)")
	searchCmd.Flags().Bool("json", false, "print the full response as JSON")
	rootCmd.AddCommand(searchCmd)
}

// formatResponse writes ranked results and per-provider outcomes to out.
func formatResponse(out io.Writer, resp *search.Response) {
	if resp == nil {
		return
	}
	if len(resp.Results) == 0 {
		_, _ = fmt.Fprintf(out, "No results for %q.\n", resp.Query)
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "#\tSCORE\tPROVIDER\tTITLE\tAUTHOR\tDURATION\tSOURCE\tALSO ON")
		for i, r := range resp.Results {
			source := r.SourceChainUsed
			if r.IsStale {
				source += " (stale)"
			}
			_, _ = fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i+1,
				r.CompositeScore,
				r.Item.ProviderID,
				truncateText(r.Item.Title, 60),
				truncateText(r.Item.Author, 24),
				formatDuration(r.Item.DurationSeconds),
				source,
				alternateProviders(r.Alternates),
			)
		}
		_ = w.Flush()
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tOUTCOME\tSOURCE\tCOUNT\tLATENCY\tERROR")
	for _, p := range resp.Providers {
		source := p.Source
		if p.Stale {
			source += " (stale)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			p.Provider, p.Kind, source, p.Count, p.Latency.Round(time.Millisecond), truncateText(p.Error, 60))
	}
	_ = w.Flush()

	status := string(resp.State)
	if resp.Degraded {
		status += ", degraded (served from query cache)"
	}
	_, _ = fmt.Fprintf(out, "\nquery %s: %s in %s\n", resp.QueryID, status, resp.Elapsed.Round(time.Millisecond))
}

// formatDuration renders seconds as h:mm:ss or m:ss; unknown is "-".
func formatDuration(secs int) string {
	if secs <= 0 {
		return "-"
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func alternateProviders(alts []model.CandidateItem) string {
	seen := make(map[string]bool, len(alts))
	var ids []string
	for _, a := range alts {
		if !seen[a.ProviderID] {
			seen[a.ProviderID] = true
			ids = append(ids, a.ProviderID)
		}
	}
	return strings.Join(ids, ",")
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
