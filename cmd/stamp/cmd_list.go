package main

import (
	"fmt"
	"strconv"

	"github.com/daviddao/stampdb/pkg/snapshot"
	"github.com/spf13/cobra"
)

func (a *app) newListCmd() *cobra.Command {
	var (
		ff         filterFlags
		assemblage string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "list [--assemblage A]",
		Short: "List the latest version of every component",
		Long: `list resolves every stored component, or the members of one assemblage,
under the filter. Components with no visible version are skipped unless
--all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			snap, err := a.snapshot(&ff)
			if err != nil {
				return err
			}
			var results []snapshot.Result
			if assemblage != "" {
				asm, err := a.lookup(kindComponent, assemblage)
				if err != nil {
					return err
				}
				for r, err := range snap.Assemblage(ctx, asm) {
					if err != nil {
						return err
					}
					results = append(results, r)
				}
			} else {
				nids, err := a.svc.Components(ctx)
				if err != nil {
					return err
				}
				if results, err = snap.LatestBatch(ctx, nids); err != nil {
					return err
				}
			}
			shown := results[:0]
			for _, r := range results {
				if all || r.IsPresent() {
					shown = append(shown, r)
				}
			}
			if a.jsonOut {
				if shown == nil {
					shown = []snapshot.Result{}
				}
				printJSON(cmd.OutOrStdout(), shown)
				return nil
			}
			w := cmd.OutOrStdout()
			if len(shown) == 0 {
				fmt.Fprintln(w, "no visible components")
				return nil
			}
			for _, r := range shown {
				a.printResult(w, strconv.Itoa(int(r.Nid)), r)
			}
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&assemblage, "assemblage", "", "only members of this assemblage")
	cmd.Flags().BoolVar(&all, "all", false, "include components with no visible version")
	return cmd
}
