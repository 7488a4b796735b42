package main

import (
	"fmt"

	"github.com/daviddao/stampdb/pkg/commit"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/spf13/cobra"
)

func (a *app) newEditCmd() *cobra.Command {
	var (
		who    authorFlags
		value  string
		status string
	)
	cmd := &cobra.Command{
		Use:   "edit <name> --value V",
		Short: "Append a new version to a component",
		Long: `edit appends a version to an existing component. The previous versions
stay; which one a reader sees depends on their path and time. Two edits on
unrelated paths that both stay visible are reported as a conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			nid, err := a.lookup(kindComponent, args[0])
			if err != nil {
				return err
			}
			chr, err := store.LoadChronicle(ctx, a.store, nid)
			if err != nil {
				return fmt.Errorf("component %q: %w", args[0], err)
			}
			payload, err := a.parsePayload(chr.VersionType(), value)
			if err != nil {
				return err
			}
			st, err := model.ParseStatus(status)
			if err != nil {
				return err
			}
			r, err := a.resolveAuthor(&who)
			if err != nil {
				return err
			}
			res, err := a.svc.Committer().Commit(ctx, commit.Edit{
				Nid:     nid,
				Status:  st,
				Time:    r.time,
				Author:  r.author,
				Module:  r.module,
				Path:    r.path,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			a.printCommit(cmd.OutOrStdout(), "edited", args[0], res)
			return nil
		},
	}
	who.register(cmd)
	cmd.Flags().StringVar(&value, "value", "", "payload value (component pairs as a,b)")
	cmd.Flags().StringVar(&status, "state", "active", "status of the new version: active, inactive, primordial, cancelled")
	return cmd
}
