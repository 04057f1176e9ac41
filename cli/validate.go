// Package cli implements the gramflow command line: validating flow
// files, running them locally against sample events, and serving the
// HTTP API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/loader"
	"github.com/gramflow-labs/gramflow/nodes"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	def, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitInputParse, "%v", err)
	}

	reg := validationRegistry()
	diags := def.Validate(reg)

	printDiagnostics(out, diags, format)

	if flow.HasErrors(diags) {
		return exitError(exitValidation, "validation failed")
	}
	if strict {
		for _, d := range diags {
			if d.Severity == flow.SeverityWarning {
				return exitError(exitValidation, "validation failed (strict)")
			}
		}
	}
	return nil
}

// validationRegistry builds a registry with inert dependencies: config
// validation never touches external services.
func validationRegistry() *flow.Registry {
	return nodes.MustRegistry(nodes.Deps{
		Sender:   &noopSender{},
		Composer: &noopComposer{},
	})
}

func printDiagnostics(out io.Writer, diags []flow.Diagnostic, format string) {
	if format == "json" {
		_ = json.NewEncoder(out).Encode(map[string]any{
			"valid":       !flow.HasErrors(diags),
			"diagnostics": diags,
		})
		return
	}

	if len(diags) == 0 {
		fmt.Fprintln(out, "valid: no findings")
		return
	}
	for _, d := range diags {
		loc := d.NodeID
		if loc == "" {
			loc = d.Edge
		}
		if loc != "" {
			loc = " [" + loc + "]"
		}
		fmt.Fprintf(out, "%s %s%s: %s\n", d.Severity, d.Code, loc, d.Message)
	}
}
