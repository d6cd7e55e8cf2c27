package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"github.com/spf13/cobra"
)

func toolsCMD(g *globals) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "tools",
		Short: "List the tools research sessions can use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			reg, clients, err := buildRegistry(cmd.Context(), cfg, corpus.New(), log)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range clients {
					_ = c.Close()
				}
			}()

			list := reg.List()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRANSPORT\tDESCRIPTION")
			for _, d := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Transport.Kind(), d.Description)
			}
			return tw.Flush()
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return c
}
