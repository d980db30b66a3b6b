package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kokoro/internal/catalog"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/scoring"
)

func newScoreCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "score <questionnaire_id> <question_id=value>...",
		Short: "Score a questionnaire offline and print the result as JSON",
		Example: `  kokoro score pss_5 1=3 2=3 3=3 4=4 5=4
  kokoro score ecr_short 1=5 2=4 3=2 4=6 --catalog ./catalog.yaml`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(catalogPath)
			if err != nil {
				return err
			}
			def, err := cat.Questionnaire(args[0])
			if err != nil {
				return err
			}
			answers, err := parseAnswerArgs(args[1:])
			if err != nil {
				return err
			}
			result, err := scoring.New(nil).Score(def, answers)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("KOKORO_CATALOG_PATH"), "catalog YAML path (default: built-in)")
	return cmd
}

// parseAnswerArgs parses "id=value" pairs.
func parseAnswerArgs(args []string) (model.Answers, error) {
	answers := make(model.Answers, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("answer %q: want question_id=value", arg)
		}
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("answer %q: question id must be an integer", arg)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("answer %q: value must be a number", arg)
		}
		if _, dup := answers[id]; dup {
			return nil, fmt.Errorf("answer %q: question %d given twice", arg, id)
		}
		answers[id] = f
	}
	return answers, nil
}
