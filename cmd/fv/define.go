package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldvault/fieldvault/internal/types"
)

var (
	defineType       string
	defineLabel      string
	defineAttributes string
	defineInactive   bool
)

var defineCmd = &cobra.Command{
	Use:   "define <field-name>",
	Short: "Create or update a field definition",
	Long: `Defines a field in the application's dictionary. Re-defining an existing
field updates it in place and appends a definition-history record.
Definitions are never deleted; use --inactive to deactivate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}

		input := &types.FieldDefinitionInput{
			FieldName: args[0],
			DataType:  types.DataType(defineType),
			Label:     defineLabel,
		}
		if defineAttributes != "" {
			input.Attributes = json.RawMessage(defineAttributes)
		}
		if cmd.Flags().Changed("inactive") {
			active := !defineInactive
			input.Active = &active
		}

		def, err := svc.DefineField(cmd.Context(), appName, input, actorFlag)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(def)
		} else {
			state := "active"
			if !def.Active {
				state = "inactive"
			}
			fmt.Printf("Defined %s (%s, %s)\n", def.FieldName, def.DataType, state)
		}
		return nil
	},
}

func init() {
	defineCmd.Flags().StringVarP(&defineType, "type", "t", "string", "Data type: string, number, date, boolean")
	defineCmd.Flags().StringVarP(&defineLabel, "label", "l", "", "Human-readable label")
	defineCmd.Flags().StringVar(&defineAttributes, "attributes", "", "Free-form JSON attributes (units, ranges, code lists)")
	defineCmd.Flags().BoolVar(&defineInactive, "inactive", false, "Mark the field inactive (rejects new saves, reads still work)")
}
