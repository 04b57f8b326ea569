package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ledger-crawler/internal/app"
	"github.com/JakeFAU/ledger-crawler/internal/fingerprint"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// newLedgerCmd groups read-only ledger inspection commands.
func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the crawl ledger",
	}
	cmd.AddCommand(
		newLedgerGetCmd(),
		newLedgerListCmd(),
		newLedgerCountsCmd(),
		newLedgerFingerprintCmd(),
	)
	return cmd
}

func newLedgerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Print one ledger row",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(func(cmd *cobra.Command, ledger store.Ledger, args []string) error {
			rec, err := ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			return printJSON(cmd, rec)
		}),
	}
}

func newLedgerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List in_progress pages in resume order",
		Args:  cobra.NoArgs,
		RunE: withLedger(func(cmd *cobra.Command, ledger store.Ledger, _ []string) error {
			entries, err := ledger.ListInProgress(cmd.Context())
			if err != nil {
				return fmt.Errorf("list in-progress: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", e.Fingerprint, e.PageKind, e.URL); err != nil {
					return fmt.Errorf("write entry: %w", err)
				}
			}
			return nil
		}),
	}
}

func newLedgerCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Print row counts per status",
		Args:  cobra.NoArgs,
		RunE: withLedger(func(cmd *cobra.Command, ledger store.Ledger, _ []string) error {
			counts, err := ledger.Counts(cmd.Context())
			if err != nil {
				return fmt.Errorf("counts: %w", err)
			}
			return printJSON(cmd, counts)
		}),
	}
}

func newLedgerFingerprintCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "fingerprint <url>",
		Short: "Print the ledger key for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprint.New().Fingerprint(strings.ToUpper(method), args[0], nil)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), fp)
			return err
		},
	}
	cmd.Flags().StringVar(&method, "method", http.MethodGet, "request method")
	return cmd
}

type ledgerRunE func(cmd *cobra.Command, ledger store.Ledger, args []string) error

// withLedger opens the configured ledger around fn.
func withLedger(fn ledgerRunE) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := resolveRuntime(cmd.Context())
		if err != nil {
			return err
		}
		ledgerCfg := rt.cfg.Ledger
		ledgerCfg.GCInterval = 0
		ledger, stop, err := app.OpenLedger(cmd.Context(), ledgerCfg, rt.logger)
		if err != nil {
			return err
		}
		defer func() {
			stop()
			_ = ledger.Close()
		}()
		return fn(cmd, ledger, args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
