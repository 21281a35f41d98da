package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/policy"
	"github.com/openfroyo/offerd/pkg/scheduler"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type offerReport struct {
	OfferID    string   `json:"offer_id"`
	AgentID    string   `json:"agent_id"`
	Decision   string   `json:"decision"`
	Operations []string `json:"operations,omitempty"`
	Tasks      []string `json:"tasks,omitempty"`
}

type evaluateReport struct {
	TargetID string        `json:"target_id"`
	Offers   []offerReport `json:"offers"`
	Launched []string      `json:"launched"`
	Duration string        `json:"duration"`
}

func newEvaluateCommand() *cobra.Command {
	var offersFile string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run one offer cycle against a fresh deployment",
		Long: `Evaluate a set of offers the way the scheduler would for a fresh
deployment and print what it would accept, launch and decline.

Nothing is sent to a resource manager and no state store is touched. The
offers are read as a JSON array, from a file or from stdin.`,
		Example: `  # Evaluate offers from a file
  offerd evaluate --config offerd.yaml --offers offers.json

  # Read offers from stdin and print JSON
  cat offers.json | offerd evaluate --offers - --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			offers, err := readOffers(cmd.InOrStdin(), offersFile)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Int("offers", len(offers)).Msg("Evaluating offers")
			report, err := evaluateOffers(cmd.Context(), cfg, offers)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, report)
			}
			rows := make([][]string, 0, len(report.Offers))
			for _, o := range report.Offers {
				rows = append(rows, []string{o.OfferID, o.AgentID, o.Decision, strings.Join(o.Operations, ","), strings.Join(o.Tasks, ",")})
			}
			if err := printTable(out, []string{"OFFER", "AGENT", "DECISION", "OPERATIONS", "TASKS"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d task(s) launched in %s\n", len(report.Launched), report.Duration)
			return nil
		},
	}

	cmd.Flags().StringVarP(&offersFile, "offers", "o", "", "JSON file with the offers, - for stdin")
	_ = cmd.MarkFlagRequired("offers")

	return cmd
}

func readOffers(stdin io.Reader, path string) ([]offer.Offer, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offers: %w", err)
	}
	var offers []offer.Offer
	if err := json.Unmarshal(data, &offers); err != nil {
		return nil, fmt.Errorf("failed to parse offers: %w", err)
	}
	return offers, nil
}

// evaluateOffers runs a single cycle with a recording driver on an empty
// in-memory store.
func evaluateOffers(ctx context.Context, cfg *config.Config, offers []offer.Offer) (*evaluateReport, error) {
	store := stores.NewMemoryStore()
	holder := config.NewHolder(cfg)
	obs := cliObserver()

	policies, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Placement.Policies) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Placement.Policies); err != nil {
			return nil, err
		}
	}

	mgrs, err := newManagers(ctx, holder, store, nil, obs)
	if err != nil {
		return nil, err
	}
	rec := engine.NewRecorder()
	sched, err := scheduler.New(&scheduler.Config{
		Managers:  mgrs.list(),
		Evaluator: offer.NewEvaluator(offer.WithPlacementPolicy(policies, scheduler.NewAgentTasks(store)), offer.WithLogger(obs.Logger)),
		Store:     store,
		Driver:    rec,
		Role:      cfg.Service.Role,
		Observer:  obs,
	})
	if err != nil {
		return nil, err
	}

	summary, err := sched.Cycle(ctx, offers)
	if err != nil {
		return nil, err
	}

	report := &evaluateReport{
		TargetID: holder.TargetID(),
		Launched: summary.Launched,
		Duration: summary.Duration.String(),
	}
	for _, o := range offers {
		r := offerReport{OfferID: o.ID, AgentID: o.AgentID, Decision: string(summary.Decisions[o.ID])}
		for _, op := range rec.Operations(o.ID) {
			r.Operations = append(r.Operations, string(op.Type()))
			if op.Operation.Task != nil {
				r.Tasks = append(r.Tasks, op.Operation.Task.Name)
			}
		}
		report.Offers = append(report.Offers, r)
	}
	sort.Strings(report.Launched)
	return report, nil
}
