package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldvault/fieldvault/internal/types"
)

var (
	saveContext   []string
	saveFields    []string
	saveReason    string
	saveEvent     string
	saveSignature string
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save field values against a business-key context",
	Long: `Saves one or more field values in a single all-or-nothing batch.
Each save supersedes the field's current value and appends an immutable
version record; version numbers per field are gap-free from 1.

Values are parsed as JSON scalars where possible (numbers, booleans,
quoted strings); anything else is taken as a raw string.`,
	Example: `  fv save -c study=S-100 -c subject=001 -f weight_kg=70.5 -f visit_date=2026-03-14
  fv save -c study=S-100 -c subject=001 -f weight_kg=71 --reason "transcription error"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		contextKeys, err := parseKeyValues(saveContext)
		if err != nil {
			return fmt.Errorf("invalid --context: %w", err)
		}
		if len(saveFields) == 0 {
			return fmt.Errorf("at least one --field is required")
		}

		fields := make([]types.FieldSave, 0, len(saveFields))
		for _, pair := range saveFields {
			name, raw, ok := strings.Cut(pair, "=")
			if !ok || name == "" {
				return fmt.Errorf("invalid --field %q: want name=value", pair)
			}
			fields = append(fields, types.FieldSave{Field: name, Value: parseValue(raw)})
		}

		defaults := types.SaveDefaults{
			Reason:        saveReason,
			EventType:     saveEvent,
			SignatureType: saveSignature,
		}
		result, err := svc.SaveRecord(cmd.Context(), appName, contextKeys, fields, actorFlag, defaults)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(result)
		} else {
			for _, saved := range result.Saved {
				fmt.Printf("%s -> v%d (context group %d)\n", saved.FieldName, saved.SequentialVersionNum, result.ContextGroupID)
			}
		}
		return nil
	},
}

func init() {
	saveCmd.Flags().StringArrayVarP(&saveContext, "context", "c", nil, "Business key (key=value, repeatable)")
	saveCmd.Flags().StringArrayVarP(&saveFields, "field", "f", nil, "Field value (name=value, repeatable)")
	saveCmd.Flags().StringVar(&saveReason, "reason", "", "Change reason applied to every field without its own")
	saveCmd.Flags().StringVar(&saveEvent, "event", "", "Event type (default: initial_entry or correction)")
	saveCmd.Flags().StringVar(&saveSignature, "signature", "", "Signature type recorded on each version")
}
