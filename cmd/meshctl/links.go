package main

import (
	"fmt"
	"sort"

	"meshsfu/internal/core/domain"

	"github.com/spf13/cobra"
)

func linksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect relay links of a media node",
	}
	cmd.AddCommand(linksListCmd(), linksBootstrapCmd())
	return cmd
}

func linksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <node-url>",
		Short:   "List relay links a node has established",
		Example: "  meshctl links list http://10.0.0.1:3001",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			links, err := newAdmin().Links(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(links)
			}
			printTitle(fmt.Sprintf("relay links (%d)", len(links)))
			t := newTable("SOURCE", "TARGET", "TRANSPORT", "ENDPOINT", "CREATED")
			for _, l := range links {
				t.Row(string(l.SourceNodeID), string(l.TargetNodeID), string(l.TransportID),
					fmt.Sprintf("%s:%d", l.Endpoint.IP, l.Endpoint.Port), since(l.CreatedAt))
			}
			fmt.Println(t)
			return nil
		},
	}
}

func linksBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap <node-url>",
		Short: "Ask a node to establish relay links to every active peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			report, err := newAdmin().BootstrapLinks(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			printLinkReport(report)
			return nil
		},
	}
}

func printLinkReport(report domain.LinkReport) {
	t := newTable("PEER", "RESULT", "DETAIL")
	for _, id := range report.Established {
		t.Row(string(id), okStyle.Render("established"), "")
	}
	for _, id := range report.Existing {
		t.Row(string(id), dimStyle.Render("existing"), "")
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, string(id))
	}
	sort.Strings(failed)
	for _, id := range failed {
		t.Row(id, errStyle.Render("failed"), report.Failed[domain.NodeID(id)])
	}
	fmt.Println(t)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <node-url>",
		Short: "Ask a node to pull producers it is missing from its peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := newAdmin().Sync(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("sync complete"))
			return nil
		},
	}
}
