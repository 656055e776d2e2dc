package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/dag"
	"loom/internal/schema"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan <schema.yaml>",
	Short: "Print the generation order and parallel groups for a schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.LoadFile(args[0])
		if err != nil {
			return err
		}
		g, err := dag.FromSchema(s)
		if err != nil {
			return err
		}

		order, err := g.TopologicalSort()
		if err != nil {
			return err
		}
		groups, err := g.ParallelGroups()
		if err != nil {
			return err
		}

		if planJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"order":  order,
				"groups": groups,
			})
		}

		fmt.Println("Generation order:")
		for i, name := range order {
			fmt.Printf("  %d. %s\n", i+1, name)
		}
		fmt.Println("Parallel groups:")
		for i, group := range groups {
			fmt.Printf("  %d: %s\n", i+1, strings.Join(group, ", "))
		}
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(planCmd)
}
