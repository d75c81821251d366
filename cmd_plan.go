package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l7mp/dmotif/pkg/motif"
	"github.com/l7mp/dmotif/pkg/visualize"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the join plans compiled for a motif",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		m, err := cfg.LoadMotif()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format != "text" {
			gen, ok := visualize.NewGenerator(format)
			if !ok {
				return fmt.Errorf("unknown output format %q", format)
			}
			var p *motif.Plan
			if seed, _ := cmd.Flags().GetInt("seed"); seed >= 0 {
				if p, err = motif.CompileDelta(m, seed); err != nil {
					return err
				}
			} else {
				p = motif.Compile(m)
			}
			fmt.Print(gen.Generate(visualize.BuildGraph(m, p)))
			return nil
		}

		fmt.Printf("motif %s: %d variables, %d edges (%s)\n", m.Name(), m.Vars(), m.Size(), m.String())
		fmt.Printf("base: %s\n", motif.Compile(m).String())
		for _, p := range motif.Plans(m) {
			fmt.Printf("delta %d: %s\n", p.Seed, p.String())
		}

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			data, err := m.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringP("motif", "m", "triangle", "catalog name, motif YAML file or inline \"m p0 q0 ...\" pattern")
	planCmd.Flags().Bool("yaml", false, "also print the motif in YAML form")
	planCmd.Flags().StringP("format", "o", "text", "output format: text, dot or mermaid")
	planCmd.Flags().Int("seed", -1, "pattern position of the delta plan to draw (-1: base plan)")
}
