package main

import (
	"fmt"
	"io"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/snapshot"
	"github.com/spf13/cobra"
)

func (a *app) newShowCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "show <name>...",
		Short: "Show the latest version of components",
		Long: `show resolves each component's latest version as seen from --path at
--time. A component with conflicting edits lists every contender.`,
		Example: "  stamp show heart\n  stamp show heart --time 2024-01-01T00:00:00Z --path release",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nids := make([]model.Nid, len(args))
			for i, name := range args {
				nid, err := a.lookup(kindComponent, name)
				if err != nil {
					return err
				}
				nids[i] = nid
			}
			snap, err := a.snapshot(&ff)
			if err != nil {
				return err
			}
			results, err := snap.LatestBatch(cmd.Context(), nids)
			if err != nil {
				return err
			}
			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), results)
				return nil
			}
			for i, r := range results {
				a.printResult(cmd.OutOrStdout(), args[i], r)
			}
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

// printResult renders one resolved component.
func (a *app) printResult(w io.Writer, name string, r snapshot.Result) {
	latest, ok := r.Latest()
	switch {
	case !ok:
		fmt.Fprintf(w, "%s: %s\n", name, r.Describe())
	case r.Conflicted():
		fmt.Fprintf(w, "%s: %s\n", name, r.Describe())
		for _, v := range r.Versions() {
			fmt.Fprintf(w, "  %s\n", a.versionLine(v))
		}
	default:
		fmt.Fprintf(w, "%s: %s\n", name, a.versionLine(latest))
	}
}

// versionLine is one version with its stamp on one line.
func (a *app) versionLine(v model.Version) string {
	s, err := a.svc.Stamps().Stamp(v.Stamp)
	if err != nil {
		return fmt.Sprintf("stamp %d (%v) %s", v.Stamp, err, formatPayload(v.Payload))
	}
	return fmt.Sprintf("stamp %-4d %-8s %-13s %-12s %s",
		v.Stamp, s.Status, model.FormatTime(s.Time), a.pathName(s.Path), formatPayload(v.Payload))
}
