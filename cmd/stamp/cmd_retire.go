package main

import (
	"github.com/daviddao/stampdb/pkg/commit"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/spf13/cobra"
)

func (a *app) newRetireCmd() *cobra.Command {
	var who authorFlags
	cmd := &cobra.Command{
		Use:   "retire <name>",
		Short: "Mark a component inactive",
		Long: `retire appends an inactive copy of the version currently visible on the
edit path. Nothing is deleted; readers at earlier times still see the
active version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nid, err := a.lookup(kindComponent, args[0])
			if err != nil {
				return err
			}
			r, err := a.resolveAuthor(&who)
			if err != nil {
				return err
			}
			view, err := a.svc.Calculator(model.NewStampFilter(model.StampPosition{Time: model.TimeLatest, Path: r.path}))
			if err != nil {
				return err
			}
			res, err := a.svc.Committer().Retire(cmd.Context(), commit.Retirement{
				Nid:    nid,
				View:   view,
				Time:   r.time,
				Author: r.author,
				Module: r.module,
				Path:   r.path,
			})
			if err != nil {
				return err
			}
			a.printCommit(cmd.OutOrStdout(), "retired", args[0], res)
			return nil
		},
	}
	who.register(cmd)
	return cmd
}
