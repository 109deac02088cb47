package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func lbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lb",
		Short: "Inspect the ingress load balancer",
	}
	cmd.AddCommand(lbStatsCmd())
	return cmd
}

func lbStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-node connection counts and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			stats, err := newAdmin().BalancerStats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(stats)
			}

			printTitle(fmt.Sprintf("load balancer: %d/%d connections", stats.TotalConnections, stats.Capacity))
			t := newTable("NODE ID", "ADDRESS", "CONNECTIONS", "UTILIZATION", "WEIGHT", "HEALTH", "CPU", "LAST CHECK")
			for _, n := range stats.NodeStats {
				health, cpu, checked := "", "-", "-"
				if n.Health != nil {
					health = n.Health.Status
					cpu = fmt.Sprintf("%.1f%%", n.Health.CPU)
					checked = since(n.Health.LastCheck)
				}
				t.Row(
					string(n.NodeID),
					fmt.Sprintf("%s:%d", n.Host, n.Port),
					fmt.Sprintf("%d/%d", n.Connections, n.MaxConnections),
					n.Utilization,
					fmt.Sprintf("%.2f", n.Weight),
					status(health),
					cpu,
					checked,
				)
			}
			fmt.Println(t)
			return nil
		},
	}
}
