package main

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

func nodesCmd() *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List media nodes known to the coordinator",
		Example: `  meshctl nodes
  meshctl nodes --match 'sfu-eu-*'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if match != "" {
				if _, err := glob.Compile(match); err != nil {
					return fmt.Errorf("invalid --match pattern %q: %w", match, err)
				}
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			nodes, err := newAdmin().MatchNodes(ctx, match)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(nodes)
			}

			printTitle(fmt.Sprintf("nodes (%d)", len(nodes)))
			t := newTable("NODE ID", "ADDRESS", "STATUS", "LOAD", "ROOMS", "PARTICIPANTS", "CAPACITY", "LAST SEEN")
			for _, n := range nodes {
				t.Row(
					string(n.ID),
					fmt.Sprintf("%s:%d", n.Host, n.Port),
					status(string(n.Status)),
					fmt.Sprintf("%.1f%%", n.Stats.Load),
					fmt.Sprintf("%d", n.Stats.Rooms),
					fmt.Sprintf("%d", n.Stats.Participants),
					fmt.Sprintf("%d", n.Capacity),
					since(n.LastSeen),
				)
			}
			fmt.Println(t)
			return nil
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "glob over node ids")
	return cmd
}
