package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loom/internal/dag"
	"loom/internal/schema"
)

var lintJSON bool

var lintCmd = &cobra.Command{
	Use:   "lint <schema.yaml>",
	Short: "Parse and validate a schema file, including the cycle check",
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
		if err := g.Validate(); err != nil {
			return err
		}

		fields := 0
		relations := 0
		for _, t := range s.Types {
			fields += len(t.Fields)
			relations += len(t.RelationFields())
		}

		if lintJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"types":     len(s.Types),
				"fields":    fields,
				"relations": relations,
			})
		}

		fmt.Printf("OK: %d types, %d fields (%d relations)\n", len(s.Types), fields, relations)
		return nil
	},
}

func init() {
	lintCmd.Flags().BoolVar(&lintJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(lintCmd)
}
