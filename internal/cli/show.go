package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/linkflow/funcrt/internal/config"
	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/store"
)

func newShowCommand(a *app) *cobra.Command {
	var (
		output string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored handler result",
		Long:  `Read the output key and print the result as a table, JSON or YAML.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				key = a.outputKey()
			}
			if key == "" {
				return startupErr(fmt.Errorf("%w: pass --key or set REDIS_OUTPUT_KEY", config.ErrMissingOutputKey))
			}

			gateway, err := store.Open(cmd.Context(), a.storeConfig())
			if err != nil {
				return startupErr(err)
			}
			defer gateway.Close()

			data, err := gateway.Get(cmd.Context(), key)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			result, err := function.DecodeResult(data)
			if err != nil {
				return err
			}
			return printResult(a.stdout, output, result)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().StringVar(&key, "key", "", "key to read (defaults to the output key)")
	return cmd
}

func printResult(w io.Writer, format string, result function.Result) error {
	switch format {
	case "json":
		data, err := function.EncodeResult(result)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(map[string]float64(result))
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "table":
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(w)
		table.Header("Metric", "Value")
		for _, k := range keys {
			table.Append([]string{k, strconv.FormatFloat(result[k], 'f', -1, 64)})
		}
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
