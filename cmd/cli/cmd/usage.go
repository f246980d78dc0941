package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyvps360/metered-billing/pkg/models"
)

var usageCmd = &cobra.Command{
	Use:   "usage [owner-id]",
	Short: "View current-cycle usage for an owner",
	Long: `View what an owner has accrued in the current billing cycle.

Billed cost is exact. Active cost is an estimate for windows that are
still open and changes until they close.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	var usage CurrentUsage
	if err := getJSON("/api/v1/usage/"+url.PathEscape(args[0]), &usage); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(usage)
	}

	printCurrentUsage(usage)
	return nil
}

func printCurrentUsage(usage CurrentUsage) {
	fmt.Println("Current Usage")
	fmt.Println("=============")
	fmt.Println()
	fmt.Printf("Owner:           %s\n", usage.OwnerID)
	if usage.Cycle.CycleID != "" {
		fmt.Printf("Cycle:           %s\n", usage.Cycle.CycleID)
	}
	fmt.Printf("Period:          %s to %s (%d days remaining)\n",
		usage.Cycle.Start.Format("2006-01-02"),
		usage.Cycle.End.Format("2006-01-02"),
		usage.Cycle.DaysRemaining)
	fmt.Printf("Billed:          %s\n", usage.BilledCost.StringFixed(2))
	fmt.Printf("Active (est.):   %s\n", usage.ActiveCost.StringFixed(2))
	fmt.Printf("Total (est.):    %s\n", usage.TotalEstimate.StringFixed(2))

	if len(usage.Resources) > 0 {
		fmt.Println("\nBy Resource:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TYPE\tQUANTITY\tCOST")
		for _, rt := range models.ResourceTypes {
			ru, ok := usage.Resources[rt]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", rt, ru.Quantity.String(), ru.Cost.StringFixed(4))
		}
		w.Flush()
	}

	if len(usage.ActiveRecords) > 0 {
		fmt.Println("\nOpen Windows:")
		printUsageRecords(usage.ActiveRecords)
	}
}

func printUsageRecords(records []*UsageRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tDEPLOYMENT\tRESOURCE\tQTY\tSTART\tSTATUS\tCOST")
	for _, r := range records {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateString(r.ID, 12),
			truncateString(r.DeploymentID, 16),
			r.ResourceType,
			r.Quantity.String(),
			r.StartTime.Format("2006-01-02 15:04"),
			r.Status,
			r.Cost.StringFixed(4))
	}
	w.Flush()
}
