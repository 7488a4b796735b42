package main

import (
	"fmt"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/spf13/cobra"
)

func (a *app) newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List every version of a component in commit order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nid, err := a.lookup(kindComponent, args[0])
			if err != nil {
				return err
			}
			entries, err := a.svc.History(cmd.Context(), nid)
			if err != nil {
				return fmt.Errorf("history of %q: %w", args[0], err)
			}
			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), entries)
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (nid %d), %d version(s):\n", args[0], nid, len(entries))
			for _, e := range entries {
				fmt.Fprintf(w, "  stamp %-4d %-8s %-13s %-12s author=%d module=%d  %s\n",
					e.Seq, e.Stamp.Status, model.FormatTime(e.Stamp.Time), a.pathName(e.Stamp.Path),
					e.Stamp.Author, e.Stamp.Module, formatPayload(e.Version.Payload))
			}
			return nil
		},
	}
}
