package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrouter/internal/catalog"
)

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Work with catalog files",
}

// catalogValidateCmd checks a catalog file without contacting the server
var catalogValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a catalog file",
	Long: `Parse and validate a catalog file locally. Every problem is reported
at once: unknown agents, duplicate names, invalid types, malformed policy
entries. Nothing is sent to the server.

Examples:
  trctl catalog validate ~/.config/taskrouter/catalog.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogValidate,
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	c, err := catalog.Load(args[0])
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), badStyle.Render("INVALID"))
		return err
	}

	active := 0
	for _, in := range c.Intents {
		if in.Active {
			active++
		}
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n\n", goodStyle.Render("VALID"), dimStyle.Render(args[0]))
	if c.Version != "" {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Version"), c.Version)
	}
	fmt.Fprintf(out, "%s %d (%d active)\n", labelStyle.Render("Intents"), len(c.Intents), active)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Caps"), len(c.Capabilities))
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Agents"), len(c.Agents))
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Notes"), len(c.Architecture))
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Policies"), len(c.Policies))
	return nil
}
