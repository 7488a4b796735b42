package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store, configuration and table sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			asms := a.svc.Identifiers().Assemblages()
			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), map[string]any{
					"backend":     a.cfg.Store.Backend,
					"store":       a.cfg.Store.Path,
					"workers":     a.cfg.Snapshot.Workers,
					"defaults":    a.cfg.Defaults,
					"tables":      stats,
					"assemblages": len(asms),
					"next_stamp":  a.svc.Stamps().Next(),
				})
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "store:       %s at %s\n", a.cfg.Store.Backend, a.cfg.Store.Path)
			fmt.Fprintf(w, "defaults:    author=%q module=%q path=%q\n",
				a.cfg.Defaults.Author, a.cfg.Defaults.Module, a.cfg.Defaults.Path)
			fmt.Fprintf(w, "components:  %d in %d assemblage(s)\n", stats.Chronicles, len(asms))
			fmt.Fprintf(w, "stamps:      %d (next %d)\n", stats.Stamps, a.svc.Stamps().Next())
			fmt.Fprintf(w, "identifiers: %d\n", stats.Identifiers)
			fmt.Fprintf(w, "paths:       %d\n", stats.Paths)
			return nil
		},
	}
}
