package cmd

import (
	"context"
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/open-feature/flagops/pkg/eval"
	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/provider"
	"github.com/open-feature/flagops/pkg/store"
)

var (
	evalFile       string
	evalEnv        string
	evalFlag       string
	evalContextID  string
	evalAttributes map[string]string
)

// evaluateCmd evaluates one flag of a flag file without starting a server.
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a flag from a flag file",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := model.ParseEnvironment(evalEnv)
		if err != nil {
			return err
		}
		attrs := make(map[string]any, len(evalAttributes))
		for k, v := range evalAttributes {
			attrs[k] = v
		}

		decision, err := evaluateFile(cmd.Context(), evalFile, env, evalFlag, model.EvaluationContext{
			ID:         evalContextID,
			Attributes: attrs,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

func evaluateFile(ctx context.Context, path string, env model.Environment, key string, evalCtx model.EvaluationContext) (model.Decision, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Decision{}, err
	}
	defs, err := provider.Parse(raw)
	if err != nil {
		return model.Decision{}, err
	}

	logger := log.StandardLogger()
	flags := store.NewFlags(logger)
	for _, def := range defs {
		if _, err := flags.Create(ctx, def); err != nil {
			return model.Decision{}, err
		}
	}
	return eval.NewEvaluator(flags, eval.WithLogger(logger)).Evaluate(ctx, env, key, evalCtx)
}

func init() {
	flags := evaluateCmd.Flags()
	flags.StringVarP(&evalFile, "uri", "f", "", "Flag file")
	flags.StringVarP(&evalEnv, "environment", "e", string(model.Production), "Environment")
	flags.StringVarP(&evalFlag, "flag", "k", "", "Flag key")
	flags.StringVar(&evalContextID, "id", "", "Context id used for bucketing")
	flags.StringToStringVarP(&evalAttributes, "attribute", "a", nil, "Context attributes as name=value")
	_ = evaluateCmd.MarkFlagRequired("uri")
	_ = evaluateCmd.MarkFlagRequired("flag")

	rootCmd.AddCommand(evaluateCmd)
}
