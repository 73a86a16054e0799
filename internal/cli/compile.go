package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/physical"
)

type CompileOptions struct {
	requestOptions
}

func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{}

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a request into SQL statements",
		Long: `Compile parses and validates the selected formulas, plans them across
the source database and local compute, and prints the resulting statements.

Example:
  formulactl compile --dataset sales.yaml --sources sources.yaml \
    -s "[Region]" -s "SUM([Sales])" --order=-"SUM([Sales])" --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, rootOpts, cmd)
		},
	}

	opts.addFlags(cmd)
	return cmd
}

type compileOutput struct {
	Top        string            `json:"top"`
	Statements []*physical.Query `json:"statements"`
	Columns    []engine.Column   `json:"columns"`
}

func runCompile(opts *CompileOptions, rootOpts *RootOptions, cmd *cobra.Command) error {
	req, err := opts.request()
	if err != nil {
		return err
	}
	e, err := opts.engine(nil)
	if err != nil {
		return err
	}
	comp, err := e.Compile(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == FormatJSON {
		return writeJSON(out, compileOutput{
			Top:        comp.Plan.TopID,
			Statements: comp.Plan.Queries,
			Columns:    comp.Columns,
		})
	}
	_, err = fmt.Fprint(out, physical.Explain(comp.Plan))
	return err
}
