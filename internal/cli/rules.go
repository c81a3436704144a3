package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/tsimport/internal/rules"
)

var (
	rulesFile      string
	rulesNoDefault bool
	rulesDataType  string
	rulesColumns   string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List formatting rules or test which rule matches",
	Long: `List the formatting rules in match order.

With --data-type or --columns only the rule that would be applied to such
input is shown.

Examples:
  tsimport rules
  tsimport rules --rules my_rules.yaml
  tsimport rules --columns timestamp,user,ip`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	f := rulesCmd.Flags()
	f.StringVar(&rulesFile, "rules", "", "YAML file with additional rules")
	f.BoolVar(&rulesNoDefault, "no-default-rules", false, "do not load the built-in rules")
	f.StringVar(&rulesDataType, "data-type", "", "data type to match")
	f.StringVar(&rulesColumns, "columns", "", "comma separated column names to match")
}

func runRules(cmd *cobra.Command, args []string) error {
	m, err := loadMatcher(importOptions{RulesFile: rulesFile, NoDefaultRules: rulesNoDefault})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if rulesDataType == "" && rulesColumns == "" {
		all := m.Rules()
		if len(all) == 0 {
			fmt.Fprintln(out, "No rules loaded.")
			return nil
		}
		for i, r := range all {
			if i > 0 {
				fmt.Fprintln(out)
			}
			printRule(out, r)
		}
		return nil
	}

	var columns []string
	if rulesColumns != "" {
		for _, c := range strings.Split(rulesColumns, ",") {
			columns = append(columns, strings.TrimSpace(c))
		}
	}
	r, ok := m.Match(rulesDataType, columns)
	if !ok {
		fmt.Fprintln(out, "No rule matches.")
		return nil
	}
	printRule(out, r)
	return nil
}

func printRule(w io.Writer, r rules.Rule) {
	fmt.Fprintf(w, "%s\n", r.Name)
	field := func(label, v string) {
		if v != "" {
			fmt.Fprintf(w, "  %-15s %s\n", label+":", v)
		}
	}
	field("data type", r.DataType)
	field("columns", r.Columns)
	field("columns subset", r.ColumnsSubset)
	field("message", r.Message)
	field("timestamp desc", r.TimestampDesc)
	field("separator", r.Separator)
	field("encoding", r.Encoding)
	field("datetime", r.Datetime)
}
