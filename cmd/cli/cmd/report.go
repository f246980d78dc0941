package cmd

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	reportOwnerID   string
	reportStartDate string
	reportEndDate   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a billing report",
	Long: `Generate a billing report over cycles created in a date range.

Dates are YYYY-MM-DD and both ends are inclusive.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVarP(&reportOwnerID, "owner", "u", "", "Filter by owner ID")
	reportCmd.Flags().StringVar(&reportStartDate, "start", "", "Start date (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportEndDate, "end", "", "End date (YYYY-MM-DD)")
}

func runReport(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if reportOwnerID != "" {
		params.Set("owner_id", reportOwnerID)
	}
	if reportStartDate != "" {
		params.Set("start_date", reportStartDate)
	}
	if reportEndDate != "" {
		params.Set("end_date", reportEndDate)
	}

	path := "/api/v1/reports"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var rpt BillingReport
	if err := getJSON(path, &rpt); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(rpt)
	}

	printReport(rpt)
	return nil
}

func printReport(rpt BillingReport) {
	fmt.Println("Billing Report")
	fmt.Println("==============")
	fmt.Println()
	fmt.Printf("Revenue:     %s\n", rpt.TotalRevenue.StringFixed(2))
	fmt.Printf("Pending:     %s\n", rpt.PendingRevenue.StringFixed(2))
	fmt.Printf("Failed:      %s\n", rpt.FailedAmount.StringFixed(2))
	fmt.Printf("Refunded:    %s\n", rpt.RefundedAmount.StringFixed(2))
	fmt.Printf("Cycles:      %d\n", rpt.CycleCount)
	fmt.Printf("Owners:      %d\n", rpt.OwnerCount)

	if len(rpt.Owners) == 0 {
		return
	}

	owners := make([]string, 0, len(rpt.Owners))
	for id := range rpt.Owners {
		owners = append(owners, id)
	}
	sort.Strings(owners)

	fmt.Println("\nBy Owner:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  OWNER\tBILLED\tPENDING\tCYCLES")
	for _, id := range owners {
		o := rpt.Owners[id]
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n",
			id, o.TotalBilled.StringFixed(2), o.TotalPending.StringFixed(2), len(o.Cycles))
	}
	w.Flush()
}
