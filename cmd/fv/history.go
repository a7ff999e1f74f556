package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyContext    []string
	historyEvents     bool
	historyDefinition bool
	historyLimit      int
)

var historyCmd = &cobra.Command{
	Use:   "history [field-name]",
	Short: "Show the audit trail of a field, or recent audit events",
	Long: `With a field name and a context, prints every saved version of the field
in ascending order. With --definition, prints the field's definition-change
history instead. With --events, prints recent coarse audit events for the
application.`,
	Example: `  fv history -c study=S-100 -c subject=001 weight_kg
  fv history --definition weight_kg
  fv history --events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}

		if historyEvents {
			events, err := svc.GetAuditEvents(cmd.Context(), appName, historyLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(events)
				return nil
			}
			for _, ev := range events {
				fmt.Printf("%s  %-14s %-20s %s/%s\n", ev.Timestamp.Format("2006-01-02 15:04:05"),
					ev.EventType, ev.Actor, ev.AffectedType, ev.AffectedID)
			}
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("exactly one field name is required (or use --events)")
		}
		name := args[0]

		if historyDefinition {
			history, err := svc.GetFieldDefinitionHistory(cmd.Context(), appName, name)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(history)
				return nil
			}
			for _, v := range history {
				fmt.Printf("%s  %-20s %s\n", v.EffectiveFrom.Format("2006-01-02 15:04:05"),
					v.Actor, v.ChangeDescription)
			}
			return nil
		}

		contextKeys, err := parseKeyValues(historyContext)
		if err != nil {
			return fmt.Errorf("invalid --context: %w", err)
		}
		trail, err := svc.GetFieldAuditTrail(cmd.Context(), appName, contextKeys, name)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(trail)
			return nil
		}
		if len(trail) == 0 {
			fmt.Printf("No captured values for %s in this context\n", name)
			return nil
		}
		for _, rec := range trail {
			line := fmt.Sprintf("v%-3d %v  %s  %s  %s", rec.Version, rec.Value,
				rec.ChangedAt.Format("2006-01-02 15:04:05"), rec.Actor, rec.EventType)
			if rec.Reason != "" {
				line += fmt.Sprintf("  (%s)", rec.Reason)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringArrayVarP(&historyContext, "context", "c", nil, "Business key (key=value, repeatable)")
	historyCmd.Flags().BoolVar(&historyEvents, "events", false, "Show recent audit events instead of a field trail")
	historyCmd.Flags().BoolVar(&historyDefinition, "definition", false, "Show the field's definition-change history")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum audit events to show")
}
