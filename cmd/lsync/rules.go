package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/types"
	"github.com/learnsync/learnsync/internal/ui"
)

// ruleEntry pairs a data type with its rules for output.
type ruleEntry struct {
	DataType types.DataType `json:"data_type" yaml:"data_type"`
	Rules    rules.Rules    `json:"rules" yaml:"rules"`
}

var rulesCmd = &cobra.Command{
	Use:     "rules",
	GroupID: "inspect",
	Short:   "Print the per-data-type conflict and merge rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		typeName, _ := cmd.Flags().GetString("type")
		format, _ := cmd.Flags().GetString("format")

		entries, err := ruleEntries(typeName)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), format, entries, func(w io.Writer) error {
			return writeRulesText(w, entries)
		})
	},
}

func init() {
	rulesCmd.Flags().StringP("type", "t", "", "Only this data type, e.g. PROGRESS_RECORD")
	rulesCmd.Flags().StringP("format", "f", formatText, "Output format: text, json or yaml")
	rootCmd.AddCommand(rulesCmd)
}

func ruleEntries(typeName string) ([]ruleEntry, error) {
	if typeName != "" {
		dt := types.DataType(strings.ToUpper(typeName))
		if !dt.Valid() {
			return nil, fmt.Errorf("unknown data type %q", typeName)
		}
		return []ruleEntry{{DataType: dt, Rules: rules.For(dt)}}, nil
	}
	var out []ruleEntry
	for _, dt := range types.AllDataTypes() {
		out = append(out, ruleEntry{DataType: dt, Rules: rules.For(dt)})
	}
	return out, nil
}

func writeRulesText(w io.Writer, entries []ruleEntry) error {
	for _, e := range entries {
		r := e.Rules
		fmt.Fprintf(w, "%s %s\n", ui.RenderAccent("■"), e.DataType)
		line := func(label string, fields []string) {
			if len(fields) > 0 {
				fmt.Fprintf(w, "   %-12s %s\n", label+":", strings.Join(fields, ", "))
			}
		}
		line("ignore", r.IgnoreFields)
		line("auto-merge", r.AutoMergeFields)
		line("critical", r.CriticalFields)
		line("important", r.ImportantFields)
		line("union", r.UnionFields)
		line("client-first", r.ClientPriority)
		line("server-first", r.ServerPriority)
		if len(r.FieldRules) > 0 {
			fields := make([]string, 0, len(r.FieldRules))
			for f := range r.FieldRules {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			pairs := make([]string, 0, len(fields))
			for _, f := range fields {
				pairs = append(pairs, f+"="+string(r.FieldRules[f]))
			}
			line("field rules", pairs)
		}
		fmt.Fprintf(w, "   %-12s %g\n", "queue weight:", r.QueueWeight)
		if r.Semantic {
			fmt.Fprintf(w, "   %-12s %s\n", "semantic:", ui.RenderPass("yes"))
		}
		fmt.Fprintln(w)
	}
	return nil
}
