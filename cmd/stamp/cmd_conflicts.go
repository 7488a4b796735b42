package main

import (
	"fmt"
	"strconv"

	"github.com/daviddao/stampdb/pkg/snapshot"
	"github.com/spf13/cobra"
)

func (a *app) newConflictsCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List components with unresolved conflicting edits",
		Long: `conflicts resolves every component under the filter and reports those
whose latest version is contested. Exits 2 when there is at least one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			snap, err := a.snapshot(&ff)
			if err != nil {
				return err
			}
			nids, err := a.svc.Components(ctx)
			if err != nil {
				return err
			}
			found, err := snap.Conflicts(ctx, nids)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOut {
				if found == nil {
					found = []snapshot.Result{}
				}
				printJSON(w, found)
			} else if len(found) == 0 {
				fmt.Fprintln(w, "no conflicts")
			} else {
				for _, r := range found {
					a.printResult(w, strconv.Itoa(int(r.Nid)), r)
				}
			}
			if len(found) > 0 {
				return errConflicts
			}
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}
