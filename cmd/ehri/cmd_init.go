package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/fixtures"
	"github.com/dumbbond/ehri-rest/internal/graph"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the event root, admin group, content types and permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("init: opening graph: %w", err)
			}
			defer closeStore()

			err = st.Update(ctx, func(tx graph.Tx) error {
				return fixtures.Initialize(ctx, tx, cfg.ACL.AdminGroup)
			})
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Printf("Graph initialized (admin group %q).\n", cfg.ACL.AdminGroup)
			return nil
		},
	}
}
