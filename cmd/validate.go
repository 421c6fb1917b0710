package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/provider"
)

var validateCmd = &cobra.Command{
	Use:   "validate <flag file>",
	Short: "Check a flag file against the schema and every configuration rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateFile(cmd.OutOrStdout(), args[0])
	},
}

// validateFile prints every violation of every flag and fails if there was
// any.
func validateFile(out io.Writer, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	defs, err := provider.Parse(raw)
	if err != nil {
		return err
	}

	invalid := 0
	for _, def := range defs {
		err := def.Validate()
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			continue
		}
		invalid++
		for _, v := range verr.Violations {
			fmt.Fprintf(out, "%s/%s: %s [%s] %s\n", def.Environment, def.Key, v.Field, v.Code, v.Message)
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d flags invalid: %w", invalid, len(defs), model.ErrInvalidConfiguration)
	}
	fmt.Fprintf(out, "%d flags valid\n", len(defs))
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
