package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyvps360/metered-billing/pkg/models"
)

var (
	eventDeploymentID string
	eventOwnerID      string
	eventStatus       string
	eventCloudlets    int
	eventStorageGB    int
	deploymentLimit   int
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Send lifecycle events and inspect deployment usage",
}

var deploymentsEventCmd = &cobra.Command{
	Use:   "event",
	Short: "Send a deployment lifecycle event",
	Long: `Send a deployment lifecycle event to the billing server.

A running status starts accrual for the deployment. Any other status
stops it and bills the open windows for their elapsed time.`,
	RunE: runDeploymentsEvent,
}

var deploymentsUsageCmd = &cobra.Command{
	Use:   "usage [deployment-id]",
	Short: "List usage records of a deployment, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploymentsUsage,
}

var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "List deployments currently accruing usage",
	RunE:  runRegistrations,
}

func init() {
	rootCmd.AddCommand(deploymentsCmd)
	rootCmd.AddCommand(registrationsCmd)

	deploymentsCmd.AddCommand(deploymentsEventCmd)
	deploymentsCmd.AddCommand(deploymentsUsageCmd)

	deploymentsEventCmd.Flags().StringVarP(&eventDeploymentID, "deployment", "d", "", "Deployment ID (required)")
	deploymentsEventCmd.Flags().StringVarP(&eventOwnerID, "owner", "u", "", "Owner ID (required)")
	deploymentsEventCmd.Flags().StringVarP(&eventStatus, "status", "s", "", "Deployment status (required)")
	deploymentsEventCmd.Flags().IntVar(&eventCloudlets, "cloudlets", 0, "Compute units allocated")
	deploymentsEventCmd.Flags().IntVar(&eventStorageGB, "storage-gb", 0, "Disk allocated in GB")
	deploymentsEventCmd.MarkFlagRequired("deployment")
	deploymentsEventCmd.MarkFlagRequired("owner")
	deploymentsEventCmd.MarkFlagRequired("status")

	deploymentsUsageCmd.Flags().IntVarP(&deploymentLimit, "limit", "l", 0, "Maximum records to list (server default 100)")
}

func runDeploymentsEvent(cmd *cobra.Command, args []string) error {
	status := models.DeploymentStatus(strings.ToLower(eventStatus))
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", eventStatus)
	}
	if eventCloudlets < 0 || eventStorageGB < 0 {
		return fmt.Errorf("cloudlets and storage-gb must not be negative")
	}

	ev := models.DeploymentEvent{
		DeploymentID: eventDeploymentID,
		OwnerID:      eventOwnerID,
		Status:       status,
		Cloudlets:    eventCloudlets,
		StorageGB:    eventStorageGB,
	}

	var result EventResult
	if err := postJSON("/api/v1/deployments/events", ev, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Deployment %s: %s\n", eventDeploymentID, result.Action)
	return nil
}

func runDeploymentsUsage(cmd *cobra.Command, args []string) error {
	path := "/api/v1/deployments/" + url.PathEscape(args[0]) + "/usage"
	if deploymentLimit > 0 {
		path += "?limit=" + strconv.Itoa(deploymentLimit)
	}

	var result struct {
		DeploymentID string         `json:"deployment_id"`
		Records      []*UsageRecord `json:"records"`
		Count        int            `json:"count"`
	}
	if err := getJSON(path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Records) == 0 {
		fmt.Println("No usage records found.")
		return nil
	}

	printUsageRecords(result.Records)
	fmt.Printf("\nTotal: %d records\n", result.Count)
	return nil
}

func runRegistrations(cmd *cobra.Command, args []string) error {
	var result struct {
		Registrations []Registration `json:"registrations"`
		Count         int            `json:"count"`
	}
	if err := getJSON("/api/v1/registrations", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Registrations) == 0 {
		fmt.Println("No deployments are accruing usage.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEPLOYMENT\tOWNER\tRESOURCES\tWINDOWS CLOSED\tOPEN")
	for _, r := range result.Registrations {
		types := make([]string, 0, len(r.Resources))
		for _, res := range r.Resources {
			types = append(types, res.Type)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			r.DeploymentID,
			r.OwnerID,
			strings.Join(types, ","),
			r.WindowsClosed,
			r.OpenWindows)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d registrations\n", result.Count)
	return nil
}
