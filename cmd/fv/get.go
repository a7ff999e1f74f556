package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var getContext []string

var getCmd = &cobra.Command{
	Use:   "get [field-name...]",
	Short: "Read current field values in a context",
	Long: `Reads the current value of each named field in the given business-key
context, joined with definition metadata. With no field names, every field
defined for the application is returned. Fields with no captured value show
as null.`,
	Example: `  fv get -c study=S-100 -c subject=001
  fv get -c study=S-100 -c subject=001 weight_kg visit_date`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		contextKeys, err := parseKeyValues(getContext)
		if err != nil {
			return fmt.Errorf("invalid --context: %w", err)
		}

		views, err := svc.GetRecord(cmd.Context(), appName, contextKeys, args)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(views)
			return nil
		}

		names := make([]string, 0, len(views))
		for name := range views {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			view := views[name]
			if view.Value == nil {
				fmt.Printf("%-24s (no value)\n", name)
				continue
			}
			fmt.Printf("%-24s %v  (v%d, %s)\n", name, view.Value, *view.Version,
				view.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringArrayVarP(&getContext, "context", "c", nil, "Business key (key=value, repeatable)")
}
