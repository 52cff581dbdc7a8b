package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docconv/internal/converter"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List supported file extensions",
	Run: func(cmd *cobra.Command, args []string) {
		exts := converter.NewDefaultRegistry(converter.Options{}, nil).Extensions()
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(exts, " "))
		fmt.Fprintf(cmd.OutOrStdout(), "%d extensions\n", len(exts))
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
}
