package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List every field defined for the application",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		defs, err := svc.ListFields(cmd.Context(), appName)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(defs)
			return nil
		}
		for _, def := range defs {
			state := ""
			if !def.Active {
				state = "  [inactive]"
			}
			label := def.Label
			if label != "" {
				label = "  " + label
			}
			fmt.Printf("%-24s %-8s%s%s\n", def.FieldName, def.DataType, label, state)
		}
		return nil
	},
}
