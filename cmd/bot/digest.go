package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/storage"
	"github.com/xaenox/claimbot/pkg/config"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print the latest claim outcomes from storage",
	RunE:  printDigest,
}

func init() {
	digestCmd.Flags().String("rule", "", "only show outcomes of this monitor")
	digestCmd.Flags().Int("limit", 20, "maximum number of outcomes")
}

func printDigest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	rule, _ := cmd.Flags().GetString("rule")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := storage.Open(storageConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListNotifications(cmd.Context(), rule, limit)
	if err != nil {
		return fmt.Errorf("failed to list outcomes: %w", err)
	}
	writeDigest(cmd.OutOrStdout(), list)
	return nil
}

func writeDigest(out io.Writer, list []*models.Notification) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No outcomes recorded yet.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tMONITOR\tBOT\tOUTCOME\tATTEMPTS\tDETAIL")
	var failed int
	for _, n := range list {
		if n.Failed() {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			humanize.Time(n.CreatedAt), n.RuleName, n.Bot, n.Outcome, n.Attempts, n.Detail)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%s outcomes, %s failed\n", humanize.Comma(int64(len(list))), humanize.Comma(int64(failed)))
}
