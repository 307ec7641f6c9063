package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/papertrade/risk-engine/internal/feed"
	"github.com/papertrade/risk-engine/internal/journal"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the write-ahead journal",
	Long: `Inspect write-ahead journal records.

Subcommands:
  pending  - List records that neither committed nor aborted

Examples:
  server journal pending
  server journal pending --json`,
}

var journalPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List PREPARED journal records for recovery",
	Args:  cobra.NoArgs,
	RunE:  runJournalPending,
}

var tickCmd = &cobra.Command{
	Use:   "tick <instrument-token> <price>",
	Short: "Publish one price tick on the Redis feed",
	Args:  cobra.ExactArgs(2),
	RunE:  runTick,
}

var journalJSON bool

func init() {
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(tickCmd)
	journalCmd.AddCommand(journalPendingCmd)

	journalPendingCmd.Flags().BoolVar(&journalJSON, "json", false, "print records as JSON")
}

func runJournalPending(cmd *cobra.Command, _ []string) error {
	b, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer b.Close()

	recs, err := journal.New(b.store, slog.Default()).ListPending(cmd.Context())
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if recs == nil {
		recs = []model.JournalRecord{}
	}

	out := cmd.OutOrStdout()
	if journalJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOURNAL\tATTEMPT\tOPERATION\tUSER\tREFERENCE\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.JournalID, r.Attempt, r.OperationType, r.UserID, r.ReferenceID, r.CreatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d pending record(s)\n", len(recs))
	return nil
}

func runTick(cmd *cobra.Command, args []string) error {
	price, err := money.Parse(args[1])
	if err != nil {
		return err
	}
	b, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer b.Close()
	if b.redis == nil {
		return errors.New("REDIS_URL is required to publish ticks")
	}

	tick := model.Tick{InstrumentKey: args[0], Price: price, Timestamp: time.Now().UTC()}
	if err := feed.NewPublisher(b.redis).Publish(cmd.Context(), tick); err != nil {
		return fmt.Errorf("publish tick: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", tick.InstrumentKey, price)
	return nil
}
