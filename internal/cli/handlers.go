package cli

import (
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/linkflow/funcrt/internal/function/provider"
)

func newHandlersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List compiled-in handler modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := tablewriter.NewWriter(a.stdout)
			table.Header("Source", "Entry points")
			for _, module := range a.registry.Modules() {
				table.Append([]string{
					provider.BuiltinScheme + module,
					strings.Join(a.registry.Entries(module), ", "),
				})
			}
			return table.Render()
		},
	}
}
