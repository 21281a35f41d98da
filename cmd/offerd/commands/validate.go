package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type validateResult struct {
	Source   string   `json:"source"`
	TargetID string   `json:"target_id"`
	Nodes    int      `json:"nodes"`
	Store    string   `json:"store"`
	Policies []string `json:"policies"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file and its placement policies",
		Long: `Validate a configuration file and the placement policies it names.

This command checks:
  - YAML or CUE syntax
  - Schema conformance
  - Field constraints such as resource amounts and store settings
  - That every placement policy compiles`,
		Example: `  # Validate the file given with --config
  offerd validate --config offerd.yaml

  # Validate a CUE file
  offerd validate ./offerd.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			log.Info().Str("path", path).Msg("Validating configuration")
			res, err := validateConfig(cmd.Context(), path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "%s is valid\n", res.Source)
			fmt.Fprintf(out, "  target id: %s\n", res.TargetID)
			fmt.Fprintf(out, "  nodes:     %d\n", res.Nodes)
			fmt.Fprintf(out, "  store:     %s\n", res.Store)
			fmt.Fprintf(out, "  policies:  %d\n", len(res.Policies))
			return nil
		},
	}

	return cmd
}

func validateConfig(ctx context.Context, path string) (*validateResult, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Placement.Policies) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Placement.Policies); err != nil {
			return nil, err
		}
	}

	res := &validateResult{
		Source:   path,
		TargetID: cfg.TargetID(),
		Nodes:    cfg.Nodes,
		Store:    cfg.Store.Kind,
	}
	for _, p := range engine.ListPolicies() {
		res.Policies = append(res.Policies, p.Name)
	}
	return res, nil
}
