package main

import (
	"fmt"

	"meshsfu/internal/core/domain"

	"github.com/spf13/cobra"
)

func roomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Manage room placement",
	}
	cmd.AddCommand(roomAssignCmd(), roomNodeCmd(), roomDeleteCmd())
	return cmd
}

func printAssignment(a domain.RoomAssignment) error {
	if jsonOutput {
		return printJSON(a)
	}
	t := newTable("ROOM", "NODE", "ADDRESS")
	t.Row(string(a.RoomID), string(a.NodeID), fmt.Sprintf("%s:%d", a.Host, a.Port))
	fmt.Println(t)
	return nil
}

func roomAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <room-id>",
		Short: "Assign a room to the least loaded node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newAdmin().AssignRoom(ctx, domain.RoomID(args[0]))
			if err != nil {
				return err
			}
			return printAssignment(a)
		},
	}
}

func roomNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <room-id>",
		Short: "Show which node hosts a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newAdmin().RoomNode(ctx, domain.RoomID(args[0]))
			if err != nil {
				return err
			}
			return printAssignment(a)
		},
	}
}

func roomDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <room-id>",
		Short: "Forget a room's placement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := newAdmin().DeleteRoom(ctx, domain.RoomID(args[0])); err != nil {
				return err
			}
			fmt.Printf("room %s deleted\n", args[0])
			return nil
		},
	}
}
