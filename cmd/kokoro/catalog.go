package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kokoro/internal/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect rule and module catalogs",
	}
	cmd.AddCommand(newCatalogValidateCmd())
	return cmd
}

func newCatalogValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a catalog YAML file (default: the built-in catalog)",
		Long: `Validate decodes and checks a catalog. Structural errors always fail.
Malformed triggers and formulas only disable the affected entry at runtime;
they are reported as warnings, or fail the command with --strict.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			problems := cat.Lint()
			for _, p := range problems {
				_, _ = fmt.Fprintf(out, "warning: %v\n", p)
			}
			if strict && len(problems) > 0 {
				return fmt.Errorf("catalog: %d problem(s) found", len(problems))
			}

			name := path
			if name == "" {
				name = "built-in catalog"
			}
			_, _ = fmt.Fprintf(out, "%s: ok (%d modules, %d questionnaires, %d warnings)\n",
				name, cat.ModuleCatalog().Len(), len(cat.Questionnaires), len(problems))
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}
