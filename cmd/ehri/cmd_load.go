package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/fixtures"
)

func loadCmd() *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "load [file.yaml]",
		Short: "Load entities from a YAML fixture file, or the demo dataset",
		Long: `Loads a YAML list of entities into the graph in one transaction. The graph
is initialized first, so load can be run against an empty database. Use "-"
to read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			var r io.Reader
			switch {
			case demo && len(args) > 0:
				return fmt.Errorf("load: --demo and a file are mutually exclusive")
			case demo:
				r = bytes.NewReader(fixtures.DemoYAML)
			case len(args) == 0:
				return fmt.Errorf("load: a file or --demo is required")
			case args[0] == "-":
				r = os.Stdin
			default:
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("load: %w", err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("load: opening graph: %w", err)
			}
			defer closeStore()

			n, err := fixtures.LoadYAML(ctx, st, r, cfg.ACL.AdminGroup, logger)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			fmt.Printf("Loaded %d entities.\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "load the built-in demonstration dataset")
	return cmd
}
