// Command meshctl inspects and operates a running meshsfu cluster.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"meshsfu/internal/infrastructure/cluster"

	"github.com/spf13/cobra"
)

var (
	coordinatorURL string
	balancerURL    string
	timeout        time.Duration
	jsonOutput     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshctl",
		Short: "Operate a meshsfu cluster",
		Long: `Inspect nodes, rooms and relay links of a meshsfu cluster.
Talks to the coordinator, the load balancer and individual media nodes over HTTP.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", envOr("MESHSFU_COORDINATOR_URL", "http://localhost:4000"), "coordinator base URL")
	rootCmd.PersistentFlags().StringVar(&balancerURL, "balancer", envOr("MESHSFU_BALANCER_URL", "http://localhost:2020"), "load balancer base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of tables")

	rootCmd.AddCommand(
		nodesCmd(),
		roomsCmd(),
		clusterCmd(),
		linksCmd(),
		syncCmd(),
		lbCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newAdmin() *cluster.AdminClient {
	return cluster.NewAdminClient(coordinatorURL, balancerURL, timeout)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout+time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
