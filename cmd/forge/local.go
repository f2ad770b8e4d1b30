package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/forge/internal/config"
	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/graph"
)

var (
	// jsonOutput switches read commands to JSON
	jsonOutput bool
	// contextLines is the diff context shown by plan
	contextLines = 3
)

// initCmd creates the .forge layout
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .forge directory and default config",
	Long: `Create .forge/ in the project directory with specs, rules, evidence,
state, journal and logs folders, plus a default config.yaml.

An existing config.yaml is left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

// validateCmd validates contract documents
var validateCmd = &cobra.Command{
	Use:   "validate [contract-id...]",
	Short: "Validate contract documents",
	Long: `Validate contracts against the document schema and check that every hard
dependency exists. With no ids, every document in the specs directory is
checked. Exits non-zero when any contract is malformed.

Examples:
  # Validate every contract
  forge validate

  # Validate selected contracts
  forge validate core adapter`,
	RunE: runValidate,
}

// graphCmd prints dependency levels
var graphCmd = &cobra.Command{
	Use:   "graph [contract-id...]",
	Short: "Print the dependency levels of a contract set",
	Long: `Build the dependency graph for the given contracts (and their hard
dependencies) and print its levels. Contracts in one level may run
concurrently; a level starts only after the previous level finished.

A hard-dependency cycle is reported with its full path.`,
	RunE: runGraph,
}

// planCmd previews the emission plan for one contract
var planCmd = &cobra.Command{
	Use:   "plan <contract-id>",
	Short: "Preview the emission plan for a contract",
	Long: `Compile a contract and show the plan it would apply: the action for
each target, whether it is destructive, its risk class and a unified diff
against the current target. Nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	graphCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	planCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	planCmd.Flags().IntVar(&contextLines, "context", 3, "unchanged lines around each diff hunk")
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.InitForgeDir(projectDir); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", config.ForgeDir, err)
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.ForgeProjectDir)
	return nil
}

// loadContracts validates ids and their hard-dependency closure. No ids
// means every document in the specs directory.
func loadContracts(ctx context.Context, p *pipeline, ids []string) ([]contract.Contract, error) {
	if len(ids) == 0 {
		all, err := p.specs.IDs()
		if err != nil {
			return nil, err
		}
		ids = all
	}
	validator := contract.NewValidator(p.specs)
	seen := make(map[string]contract.Contract)
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		raw, err := p.specs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		ct, err := validator.Validate(ctx, raw)
		if err != nil {
			return nil, err
		}
		seen[id] = ct
		queue = append(queue, ct.HardDependencies...)
	}
	out := make([]contract.Contract, 0, len(seen))
	for _, ct := range seen {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline) error) error {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	p, err := buildPipeline(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer p.close()
	return fn(cmd.Context(), p)
}

func runValidate(cmd *cobra.Command, args []string) error {
	return withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
		ids := args
		if len(ids) == 0 {
			all, err := p.specs.IDs()
			if err != nil {
				return err
			}
			ids = all
		}
		validator := contract.NewValidator(p.specs)
		out := cmd.OutOrStdout()
		failed := 0
		for _, id := range ids {
			raw, err := p.specs.Get(ctx, id)
			if err == nil {
				var ct contract.Contract
				ct, err = validator.Validate(ctx, raw)
				if err == nil {
					fmt.Fprintf(out, "ok      %s %s %s\n", ct.ID(), ct.Identity.Version, shortHash(ct.Fingerprint))
					for _, soft := range ct.UnresolvedSoft {
						fmt.Fprintf(out, "        soft dependency %s not found\n", soft)
					}
					continue
				}
			}
			failed++
			fmt.Fprintf(out, "invalid %s [%s] %v\n", id, failure.ClassOf(err), err)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d contracts invalid", failed, len(ids))
		}
		return nil
	})
}

func runGraph(cmd *cobra.Command, args []string) error {
	return withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
		contracts, err := loadContracts(ctx, p, args)
		if err != nil {
			return err
		}
		g, err := graph.Build(contracts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), struct {
				Levels [][]string   `json:"levels"`
				Edges  []graph.Edge `json:"edges"`
			}{g.Levels(), g.Edges()})
		}
		out := cmd.OutOrStdout()
		for i, level := range g.Levels() {
			fmt.Fprintf(out, "level %d\n", i)
			for _, id := range level {
				line := "  " + id
				if deps := g.HardDependencies(id); len(deps) > 0 {
					line += " <- " + strings.Join(deps, ", ")
				}
				if soft := g.SoftDependencies(id); len(soft) > 0 {
					line += " (soft: " + strings.Join(soft, ", ") + ")"
				}
				fmt.Fprintln(out, line)
			}
		}
		return nil
	})
}

func runPlan(cmd *cobra.Command, args []string) error {
	return withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
		raw, err := p.specs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		ct, err := contract.NewValidator(p.specs).Validate(ctx, raw)
		if err != nil {
			return err
		}
		targets, err := p.compiler.Compile(ctx, ct)
		if err != nil {
			return err
		}
		plan, err := p.planner.Plan(ctx, ct, targets)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), plan)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "contract %s %s plan %s\n\n", ct.ID(), shortHash(plan.Fingerprint), shortHash(plan.Hash))
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tACTION\tRISK\tAPPROVAL")
		for _, step := range plan.Steps {
			approval := "-"
			if step.RequiresApproval {
				approval = "required"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", step.ID, step.Action, step.RiskClass, approval)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, step := range plan.Steps {
			if step.Diff != "" {
				fmt.Fprintf(out, "\n%s\n", step.Diff)
			}
		}
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
