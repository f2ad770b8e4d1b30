package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/config"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/logbook"
	"github.com/kingrea/forge/internal/orchestrator"
	"github.com/kingrea/forge/internal/server"
	"github.com/kingrea/forge/internal/tui"
)

var (
	dryRun         bool
	waitForBatch   bool
	pollInterval   = time.Second
	evidenceFormat string
	verifyChain    bool
	decisionReason string
	authToken      string
	tokenTTL       time.Duration
)

// submitCmd submits a batch to the server
var submitCmd = &cobra.Command{
	Use:   "submit <contract-id>...",
	Short: "Submit a batch of contracts",
	Long: `Submit contracts to a running forge server. Hard dependencies of the
named contracts join the batch automatically. The whole batch is rejected
before anything runs when a contract is malformed, a hard dependency is
missing or the hard dependencies form a cycle.

Examples:
  # Submit two contracts and wait for the batch to finish
  forge submit core adapter --wait

  # Run the phases without writing targets or asking for approvals
  forge submit adapter --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// statusCmd prints a batch snapshot
var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show a batch, or list batches",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

// cancelCmd cancels a running batch
var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a running batch",
	Long: `Cancel a running batch. Contracts already running see their context
cancelled and block; contracts that never started are blocked as abandoned.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

// evidenceCmd exports a contract's latest evidence
var evidenceCmd = &cobra.Command{
	Use:   "evidence <contract-id>",
	Short: "Export the latest evidence log of a contract",
	Long: `Export the evidence records of a contract's most recent run, as a JSON
array or as JSON lines.

With --verify the hash chain is checked locally after download.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvidence,
}

// approvalsCmd lists pending approvals
var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovals,
}

// decideCmd approves or rejects a request
var decideCmd = &cobra.Command{
	Use:   "decide <request-id> <approve|reject>",
	Short: "Decide a pending approval request",
	Long: `Approve or reject a pending request. The deciding authority is taken from
the bearer token (--token or FORGE_TOKEN); only the authority owning the
request's risk class may decide it.

Examples:
  forge decide 7f3c approve --token "$(forge token release-manager)"
  forge decide 7f3c reject --reason "wipes customer schema"`,
	Args: cobra.ExactArgs(2),
	RunE: runDecide,
}

// tokenCmd issues an authority token
var tokenCmd = &cobra.Command{
	Use:   "token <authority-id>",
	Short: "Issue a bearer token for an approval authority",
	Long: `Sign a bearer token naming an approval authority. The signing secret is
read from the environment variable named by approvals.token_secret_env.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

// watchCmd opens the batch TUI
var watchCmd = &cobra.Command{
	Use:   "watch <batch-id>",
	Short: "Watch a batch in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	submitCmd.Flags().BoolVar(&dryRun, "dry-run", false, "run every phase without writing targets or requesting approvals")
	submitCmd.Flags().BoolVar(&waitForBatch, "wait", false, "wait for the batch to finish and print its status")
	submitCmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "status poll interval with --wait")
	evidenceCmd.Flags().StringVar(&evidenceFormat, "format", "json", "output format: json or jsonl")
	evidenceCmd.Flags().BoolVar(&verifyChain, "verify", false, "verify the hash chain after download")
	decideCmd.Flags().StringVar(&decisionReason, "reason", "", "reason recorded with the decision")
	decideCmd.Flags().StringVar(&authToken, "token", "", "authority bearer token (default $FORGE_TOKEN)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default approvals.token_ttl)")
	watchCmd.Flags().DurationVar(&pollInterval, "interval", time.Second, "refresh interval")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	var handle orchestrator.BatchHandle
	req := server.SubmitRequest{Contracts: args, DryRun: dryRun}
	if err := api.do(cmd.Context(), "POST", "/api/v1/batches", req, &handle); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !waitForBatch {
		fmt.Fprintln(out, handle.ID)
		return nil
	}
	source := tui.NewHTTPSource(api.base, api.client)
	status, err := waitBatch(cmd.Context(), source, handle.ID, pollInterval)
	if err != nil {
		return err
	}
	printStatus(cmd, status)
	if status.Counts.Blocked > 0 {
		return fmt.Errorf("batch %s: %d contracts blocked", status.ID, status.Counts.Blocked)
	}
	return nil
}

func waitBatch(ctx context.Context, source tui.Source, batchID string, every time.Duration) (orchestrator.BatchStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		status, err := source.Status(ctx, batchID)
		if err != nil {
			return orchestrator.BatchStatus{}, err
		}
		if status.Done() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	if len(args) == 0 {
		var list struct {
			Batches []string `json:"batches"`
		}
		if err := api.do(cmd.Context(), "GET", "/api/v1/batches", nil, &list); err != nil {
			return err
		}
		for _, id := range list.Batches {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}
	status, err := tui.NewHTTPSource(api.base, api.client).Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printStatus(cmd, status)
	return nil
}

func printStatus(cmd *cobra.Command, status orchestrator.BatchStatus) {
	out := cmd.OutOrStdout()
	mode := ""
	if status.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "batch %s %s%s\n", status.ID, status.State, mode)
	fmt.Fprintf(out, "pending %d  running %d  succeeded %d  blocked %d\n\n",
		status.Counts.Pending, status.Counts.Running, status.Counts.Succeeded, status.Counts.Blocked)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tCONTRACT\tSTATE\tPHASE\tDETAIL")
	for _, cs := range status.Contracts {
		detail := ""
		if cs.Blocked != nil {
			switch {
			case cs.Blocked.Dependency != "":
				detail = "blocked by " + cs.Blocked.Dependency
			case cs.Blocked.Class != "":
				detail = fmt.Sprintf("[%s] %s", cs.Blocked.Class, cs.Blocked.Message)
			default:
				detail = cs.Blocked.Message
			}
		}
		current := "-"
		if cs.Phase != nil {
			current = cs.Phase.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", cs.Level, cs.ID, cs.State, current, detail)
	}
	_ = tw.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	if err := api.do(cmd.Context(), "DELETE", "/api/v1/batches/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelling %s\n", args[0])
	return nil
}

func runEvidence(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	path := "/api/v1/contracts/" + url.PathEscape(args[0]) + "/evidence"
	var records []evidence.Record
	if err := api.do(cmd.Context(), "GET", path, nil, &records); err != nil {
		return err
	}
	if verifyChain {
		if err := evidence.Verify(records); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "verified %d records\n", len(records))
	}
	switch strings.ToLower(evidenceFormat) {
	case "jsonl":
		return evidence.WriteJSONL(cmd.OutOrStdout(), records)
	case "json":
		return writeJSON(cmd.OutOrStdout(), records)
	default:
		return fmt.Errorf("unknown format %q", evidenceFormat)
	}
}

func runApprovals(cmd *cobra.Command, args []string) error {
	var pending []approval.Request
	if err := newAPIClient().do(cmd.Context(), "GET", "/api/v1/approvals", nil, &pending); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "no pending approvals")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTRACT\tSTEP\tRISK\tEXPIRES\tSUMMARY")
	for _, req := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.ContractID, req.StepID, req.RiskClass, req.ExpiresAt.Format(time.RFC3339), req.Summary)
	}
	return tw.Flush()
}

func runDecide(cmd *cobra.Command, args []string) error {
	decision, err := approval.ParseDecision(args[1])
	if err != nil {
		return err
	}
	api := newAPIClient()
	api.token = authToken
	if api.token == "" {
		api.token = strings.TrimSpace(os.Getenv("FORGE_TOKEN"))
	}
	if api.token == "" {
		return fmt.Errorf("an authority token is required (--token or FORGE_TOKEN)")
	}
	var resolved approval.Request
	body := server.DecisionRequest{Decision: string(decision), Reason: decisionReason}
	path := "/api/v1/approvals/" + url.PathEscape(args[0]) + "/decision"
	if err := api.do(cmd.Context(), "POST", path, body, &resolved); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s\n", resolved.ID, resolved.Decision, resolved.AuthorityID)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}
	approvals := cfg.Project.Approvals
	secret := approvals.TokenSecret()
	if len(secret) == 0 {
		return fmt.Errorf("%s is not set", approvals.TokenSecretEnv)
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = approvals.TokenTTL
	}
	token, err := approval.IssueToken(secret, args[0], ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	opts := []tui.Option{tui.WithInterval(pollInterval)}
	if cfg, err := config.Load(projectDir); err == nil {
		if book, err := logbook.NewJournal(cfg.JournalDir(), nil).Book(args[0]); err == nil {
			opts = append(opts, tui.WithJournal(book))
		}
	}
	model := tui.New(tui.NewHTTPSource(api.base, api.client), args[0], opts...)
	final, err := tui.Run(cmd.Context(), model)
	if err != nil {
		return err
	}
	return final.Err()
}
