package main

import (
	"fmt"
	"strings"

	"github.com/daviddao/stampdb/pkg/config"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/spf13/cobra"
)

func (a *app) newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Define and list paths",
	}
	cmd.AddCommand(a.newPathAddCmd(), a.newPathListCmd())
	return cmd
}

func (a *app) newPathAddCmd() *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "add <name> [--origin path@time]...",
		Short: "Define or redefine a path",
		Long: `add defines a path. Each --origin imports another path's edits up to and
including the given time (latest, RFC3339 or epoch millis). A definition
that would make the origin graph cyclic is rejected.`,
		Example: "  stamp path add dev --origin main@latest\n  stamp path add release --origin main@2024-06-01T00:00:00Z",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc := config.PathConfig{Name: args[0]}
			for _, o := range origins {
				name, at, _ := strings.Cut(o, "@")
				pc.Origins = append(pc.Origins, config.OriginConfig{Path: name, Time: at})
			}
			p, err := a.pathFromConfig(pc)
			if err != nil {
				return err
			}
			if err := a.svc.AddPath(cmd.Context(), p); err != nil {
				return err
			}
			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), p)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path %s (nid %d) defined\n", p.Name, p.Nid)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&origins, "origin", nil, "origin as path@time (repeatable)")
	return cmd
}

func (a *app) newPathListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List defined paths and their origins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths := a.svc.Graph().Paths()
			if a.jsonOut {
				if paths == nil {
					paths = []model.StampPath{}
				}
				printJSON(cmd.OutOrStdout(), paths)
				return nil
			}
			w := cmd.OutOrStdout()
			if len(paths) == 0 {
				fmt.Fprintln(w, "no paths")
				return nil
			}
			for _, p := range paths {
				fmt.Fprintf(w, "%-20s nid=%d", a.pathName(p.Nid), p.Nid)
				for i, o := range p.Origins {
					sep := "  from "
					if i > 0 {
						sep = ", "
					}
					fmt.Fprintf(w, "%s%s@%s", sep, a.pathName(o.Path), model.FormatTime(o.Time))
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}
