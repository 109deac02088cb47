package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Show coordinator views of the cluster",
	}
	cmd.AddCommand(clusterHealthCmd(), clusterRoutersCmd(), clusterStreamsCmd(), clusterPipesCmd(), clusterGraphCmd())
	return cmd
}

func clusterHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarise cluster health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			h, err := newAdmin().ClusterHealth(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(h)
			}
			t := newTable("STATUS", "NODES", "ACTIVE", "ROOMS")
			t.Row(status(h.Status), fmt.Sprintf("%d", h.Nodes), fmt.Sprintf("%d", h.ActiveNodes), fmt.Sprintf("%d", h.Rooms))
			fmt.Println(t)
			return nil
		},
	}
}

func clusterRoutersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routers",
		Short: "List routers reported by nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			routers, err := newAdmin().Routers(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(routers)
			}
			printTitle(fmt.Sprintf("routers (%d)", len(routers)))
			t := newTable("ROUTER", "NODE", "WORKER PID", "ROOM", "CREATED")
			for _, r := range routers {
				t.Row(string(r.ID), string(r.NodeID), fmt.Sprintf("%d", r.WorkerPID), string(r.RoomID), since(r.CreatedAt))
			}
			fmt.Println(t)
			return nil
		},
	}
}

func clusterStreamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List producer to consumer routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			routes, err := newAdmin().Streams(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(routes)
			}
			printTitle(fmt.Sprintf("streams (%d)", len(routes)))
			t := newTable("ROOM", "KIND", "PRODUCER", "FROM", "CONSUMER", "TO")
			for _, r := range routes {
				t.Row(string(r.RoomID), string(r.Kind), string(r.ProducerID), string(r.ProducerNodeID), string(r.ConsumerID), string(r.ConsumerNodeID))
			}
			fmt.Println(t)
			return nil
		},
	}
}

func clusterPipesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipes",
		Short: "List inter-node pipe connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			pipes, err := newAdmin().Pipes(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(pipes)
			}
			printTitle(fmt.Sprintf("pipes (%d)", len(pipes)))
			t := newTable("SOURCE NODE", "SOURCE ROUTER", "TARGET NODE", "TARGET ROUTER", "CREATED")
			for _, p := range pipes {
				t.Row(string(p.SourceNodeID), string(p.SourceRouterID), string(p.TargetNodeID), string(p.TargetRouterID), since(p.CreatedAt))
			}
			fmt.Println(t)
			return nil
		},
	}
}

// The graph view is JSON only; it feeds dashboards.
func clusterGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Dump the visualization graph as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			vis, err := newAdmin().Visualization(ctx)
			if err != nil {
				return err
			}
			return printJSON(vis)
		},
	}
}
