// Package cli implements the formulactl command line.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	Verbose bool
	Format  string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "formulactl",
		Short: "Compile and run formula queries",
		Long: `formulactl compiles formula requests against a dataset description
into SQL statements and optionally executes them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return validateFormat(opts.Format)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewExecuteCommand(opts))
	return cmd
}
