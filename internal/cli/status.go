package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/partywatch/internal/indexing/handler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the crowdfunds currently being tracked",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	addresses, err := store.ListActiveAddresses(ctx)
	if err != nil {
		slog.Error("Failed to list crowdfunds", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CROWDFUND\tSTATUS\tTOTAL (ETH)\tCONTRIBUTIONS\tTHREAD")

	for _, addr := range addresses {
		rec, err := store.GetEntity(ctx, addr)
		if err != nil {
			slog.Warn("Failed to load crowdfund", "address", addr.Hex(), "error", err)
			continue
		}
		thread := rec.ThreadID
		if thread == "" {
			thread = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			rec.Address.Hex(), rec.Status, handler.FormatEther(rec.TotalContributed), len(rec.Contributions), thread)
	}
	_ = w.Flush()
}
