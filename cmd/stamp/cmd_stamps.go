package main

import (
	"fmt"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/spf13/cobra"
)

func (a *app) newStampsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stamps",
		Short: "List interned stamps in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			type row struct {
				Seq   model.StampSequence `json:"stamp_sequence"`
				Stamp model.Stamp         `json:"stamp"`
			}
			rows := []row{}
			for seq, s := range a.svc.Stamps().All() {
				rows = append(rows, row{seq, s})
			}
			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), rows)
				return nil
			}
			w := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(w, "%-4d %-10s %-13s author=%-4d module=%-4d path=%s\n",
					r.Seq, r.Stamp.Status, model.FormatTime(r.Stamp.Time),
					r.Stamp.Author, r.Stamp.Module, a.pathName(r.Stamp.Path))
			}
			return nil
		},
	}
}
