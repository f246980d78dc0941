package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	cyclesOwnerID    string
	cyclesLimit      int
	outcomeStatus    string
	outcomePaymentID string
)

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "Browse and settle billing cycles",
	Long:  `Browse billing cycles, view statements and record payment outcomes.`,
}

var cyclesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List billing cycles, newest first",
	RunE:  runCyclesList,
}

var cyclesGetCmd = &cobra.Command{
	Use:   "get [cycle-id]",
	Short: "Show a cycle statement with its usage records",
	Args:  cobra.ExactArgs(1),
	RunE:  runCyclesGet,
}

var cyclesVerifyCmd = &cobra.Command{
	Use:   "verify [cycle-id]",
	Short: "Recompute a cycle amount from its records",
	Args:  cobra.ExactArgs(1),
	RunE:  runCyclesVerify,
}

var cyclesOutcomeCmd = &cobra.Command{
	Use:   "outcome [cycle-id]",
	Short: "Record the payment outcome of a cycle",
	Long: `Record the payment outcome of a cycle.

Status must be one of: completed, failed, refunded.`,
	Args: cobra.ExactArgs(1),
	RunE: runCyclesOutcome,
}

func init() {
	rootCmd.AddCommand(cyclesCmd)

	cyclesCmd.AddCommand(cyclesListCmd)
	cyclesCmd.AddCommand(cyclesGetCmd)
	cyclesCmd.AddCommand(cyclesVerifyCmd)
	cyclesCmd.AddCommand(cyclesOutcomeCmd)

	cyclesListCmd.Flags().StringVarP(&cyclesOwnerID, "owner", "u", "", "Filter by owner ID")
	cyclesListCmd.Flags().IntVarP(&cyclesLimit, "limit", "l", 0, "Maximum cycles to list (server default 100)")

	cyclesOutcomeCmd.Flags().StringVarP(&outcomeStatus, "status", "s", "", "Outcome status (completed, failed, refunded)")
	cyclesOutcomeCmd.Flags().StringVar(&outcomePaymentID, "payment-id", "", "Payment reference")
	cyclesOutcomeCmd.MarkFlagRequired("status")
}

func runCyclesList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if cyclesOwnerID != "" {
		params.Set("owner_id", cyclesOwnerID)
	}
	if cyclesLimit > 0 {
		params.Set("limit", strconv.Itoa(cyclesLimit))
	}

	path := "/api/v1/cycles"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var result struct {
		Cycles []*BillingCycle `json:"cycles"`
		Count  int             `json:"count"`
	}
	if err := getJSON(path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Cycles) == 0 {
		fmt.Println("No billing cycles found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tPERIOD\tSTATUS\tAMOUNT\tRECORDS")
	for _, c := range result.Cycles {
		fmt.Fprintf(w, "%s\t%s\t%s - %s\t%s\t%s %s\t%d\n",
			truncateString(c.ID, 12),
			truncateString(c.OwnerID, 16),
			c.Period.Start.Format("2006-01-02"),
			c.Period.End.Format("2006-01-02"),
			c.Status,
			c.Amount.StringFixed(2),
			c.Currency,
			len(c.RecordIDs))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d cycles\n", result.Count)
	return nil
}

func runCyclesGet(cmd *cobra.Command, args []string) error {
	var stmt CycleStatement
	if err := getJSON("/api/v1/cycles/"+url.PathEscape(args[0]), &stmt); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(stmt)
	}

	printCycle(stmt.Cycle)
	if len(stmt.Records) > 0 {
		fmt.Println("\nUsage Records:")
		printUsageRecords(stmt.Records)
	}
	return nil
}

func runCyclesVerify(cmd *cobra.Command, args []string) error {
	var v Verification
	if err := getJSON("/api/v1/cycles/"+url.PathEscape(args[0])+"/verify", &v); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(v)
	}

	fmt.Printf("Cycle:       %s\n", v.CycleID)
	fmt.Printf("Amount:      %s\n", v.Amount.String())
	fmt.Printf("Record Sum:  %s (%d records)\n", v.RecordSum.String(), v.RecordCount)
	if v.Balanced {
		fmt.Println("Balanced:    yes")
	} else {
		fmt.Println("Balanced:    NO - amount does not match its records")
	}
	return nil
}

func runCyclesOutcome(cmd *cobra.Command, args []string) error {
	req := map[string]string{"status": outcomeStatus}
	if outcomePaymentID != "" {
		req["payment_id"] = outcomePaymentID
	}

	var cycle BillingCycle
	if err := postJSON("/api/v1/cycles/"+url.PathEscape(args[0])+"/outcome", req, &cycle); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(cycle)
	}

	fmt.Printf("Cycle %s marked %s.\n", cycle.ID, cycle.Status)
	return nil
}

func printCycle(c *BillingCycle) {
	if c == nil {
		return
	}
	fmt.Printf("Cycle:     %s\n", c.ID)
	fmt.Printf("Owner:     %s\n", c.OwnerID)
	fmt.Printf("Period:    %s to %s\n",
		c.Period.Start.Format("2006-01-02 15:04"),
		c.Period.End.Format("2006-01-02 15:04"))
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Amount:    %s %s\n", c.Amount.String(), c.Currency)
	if c.PaymentID != "" {
		fmt.Printf("Payment:   %s\n", c.PaymentID)
	}
}
