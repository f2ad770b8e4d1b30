package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/canonical"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/planner"
)

// Each phase produces the value the next one consumes.
type (
	researched struct {
		plan  *planner.Plan
		items []string
	}
	baselined struct {
		researched
		baseline map[string]artifact.CheckResult
	}
	implemented struct {
		baselined
		outcomes  map[string]planner.Outcome
		approvals map[string]approval.Request
	}
	enforced struct {
		implemented
		checks []check
	}
	validated struct {
		enforced
		passed int
	}
	verified struct {
		validated
		records int
		head    string
	}
)

type check struct {
	ID       string
	ItemID   string
	Kind     string
	Expected string
	Observed string
	State    artifact.State
}

func (c check) passed() bool {
	if c.Kind == checkFingerprint && c.State != artifact.StateReady {
		return false
	}
	return c.Expected == c.Observed
}

const (
	checkFingerprint = "fingerprint"
	checkPreview     = "preview"
)

// researchLock compiles and plans the contract and declares one plan item
// per step. The declared set is fixed for the rest of the run.
func (x *run) researchLock(ctx context.Context) (researched, exit, error) {
	targets, err := x.compiler.Compile(ctx, x.ct)
	if err != nil {
		return researched{}, exit{}, err
	}
	plan, err := x.planner.Plan(ctx, x.ct, targets)
	if err != nil {
		return researched{}, exit{}, err
	}
	x.plan = plan
	for _, step := range plan.Steps {
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase:   phase.ResearchLock,
			Kind:    evidence.KindPlanItem,
			ItemIDs: []string{step.ID},
			Detail: map[string]string{
				"target":            step.Target.ID,
				"kind":              step.Target.Kind,
				"action":            string(step.Action),
				"fingerprint":       step.Target.Fingerprint,
				"prior_fingerprint": step.Target.PriorFingerprint,
				"risk_class":        step.RiskClass,
				"requires_approval": boolString(step.RequiresApproval),
			},
		}); err != nil {
			return researched{}, exit{}, err
		}
	}
	items := plan.StepIDs()
	return researched{plan: plan, items: items}, exit{
		items: items,
		detail: map[string]string{
			"contract_fingerprint": x.ct.Fingerprint,
			"plan_hash":            plan.Hash,
			"steps":                itoa(len(plan.Steps)),
			"destructive":          itoa(plan.Destructive()),
			"dry_run":              boolString(x.opts.DryRun),
		},
		verification: plan.Hash,
	}, nil
}

// baseline captures the registry state of every plan item before any write.
func (x *run) baseline(ctx context.Context, in researched) (baselined, exit, error) {
	out := baselined{researched: in, baseline: make(map[string]artifact.CheckResult, len(in.items))}
	for _, step := range in.plan.Steps {
		result, err := x.registry.Check(ctx, step.Target.ID)
		if err != nil {
			x.failItem = step.ID
			return baselined{}, exit{}, fmt.Errorf("runner: baseline %s: %w", step.Target.ID, err)
		}
		out.baseline[step.ID] = result
		detail := map[string]string{"state": string(result.State), "fingerprint": result.Fingerprint()}
		if result.Err != nil {
			detail["problem"] = result.Err.Error()
		}
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase:   phase.Baseline,
			Kind:    evidence.KindBaseline,
			ItemIDs: []string{step.ID},
			Detail:  detail,
		}); err != nil {
			return baselined{}, exit{}, err
		}
	}
	return out, exit{items: in.items}, nil
}

// implementation applies the plan. Every step leaves a closure record, and
// every write or approval outcome is logged before the next step starts.
func (x *run) implementation(ctx context.Context, in baselined) (implemented, exit, error) {
	rec := &applyRecorder{run: x, outcomes: map[string]planner.Outcome{}, approvals: map[string]approval.Request{}}
	_, err := x.planner.Apply(ctx, in.plan, planner.ApplyOptions{
		DryRun:      x.opts.DryRun,
		RunID:       x.opts.RunID,
		RequesterID: x.requester,
		Approver:    x.approver,
		Recorder:    rec,
	})
	if err != nil {
		var denied *planner.ApprovalDeniedError
		if errors.As(err, &denied) {
			x.failItem = denied.StepID
		} else {
			x.failItem = firstMissing(in.items, rec.outcomes)
		}
		return implemented{}, exit{}, err
	}
	if missing := missingKeys(in.items, rec.outcomes); len(missing) > 0 {
		x.failItem = missing[0]
		return implemented{}, exit{}, &GuardError{Phase: phase.Implementation, Missing: missing, Reason: "plan items without closure"}
	}
	type approvalOutcome struct {
		ID       string            `json:"id"`
		Step     string            `json:"step"`
		Decision approval.Decision `json:"decision"`
	}
	outcomes := make([]approvalOutcome, 0, len(rec.approvals))
	for _, item := range in.items {
		if req, ok := rec.approvals[item]; ok {
			outcomes = append(outcomes, approvalOutcome{ID: req.ID, Step: item, Decision: req.Decision})
		}
	}
	hash, err := canonical.Hash(map[string]any{"plan": in.plan.Hash, "approvals": outcomes})
	if err != nil {
		return implemented{}, exit{}, err
	}
	return implemented{baselined: in, outcomes: rec.outcomes, approvals: rec.approvals}, exit{
		items:        in.items,
		detail:       map[string]string{"approvals": itoa(len(outcomes))},
		verification: hash,
	}, nil
}

// applyRecorder logs apply progress. It ignores cancellation so a write that
// happened is always logged.
type applyRecorder struct {
	run       *run
	outcomes  map[string]planner.Outcome
	approvals map[string]approval.Request
}

func (r *applyRecorder) ApprovalRequested(ctx context.Context, step planner.Step, req approval.Request) error {
	ctx = context.WithoutCancel(ctx)
	_, err := r.run.writer.Append(ctx, evidence.Record{
		Phase:   phase.Implementation,
		Kind:    evidence.KindApproval,
		ItemIDs: []string{step.ID},
		Detail: map[string]string{
			"request":    req.ID,
			"decision":   string(req.Decision),
			"risk_class": req.RiskClass,
			"requester":  req.RequesterID,
			"expires_at": req.ExpiresAt.UTC().Format(timeLayout),
		},
	})
	return err
}

func (r *applyRecorder) ApprovalResolved(ctx context.Context, step planner.Step, req approval.Request) error {
	ctx = context.WithoutCancel(ctx)
	r.approvals[step.ID] = req
	detail := map[string]string{
		"request":  req.ID,
		"decision": string(req.Decision),
		"reason":   req.Reason,
	}
	if req.AuthorityID != "" {
		detail["authority"] = req.AuthorityID
	}
	if !req.DecidedAt.IsZero() {
		detail["decided_at"] = req.DecidedAt.UTC().Format(timeLayout)
	}
	_, err := r.run.writer.Append(ctx, evidence.Record{
		Phase:   phase.Implementation,
		Kind:    evidence.KindApproval,
		ItemIDs: []string{step.ID},
		Detail:  detail,
	})
	return err
}

func (r *applyRecorder) StepApplied(ctx context.Context, step planner.Step, outcome planner.Outcome) error {
	ctx = context.WithoutCancel(ctx)
	if outcome.Written {
		if _, err := r.run.writer.Append(ctx, evidence.Record{
			Phase:   phase.Implementation,
			Kind:    evidence.KindArtifact,
			ItemIDs: []string{step.ID},
			Detail: map[string]string{
				"target":      step.Target.ID,
				"action":      string(step.Action),
				"fingerprint": step.Target.Fingerprint,
			},
		}); err != nil {
			return err
		}
	}
	state := "written"
	switch {
	case outcome.DryRun:
		state = "dry_run"
	case !outcome.Written:
		state = "unchanged"
	}
	detail := map[string]string{"outcome": state, "action": string(outcome.Action)}
	if outcome.Note != "" {
		detail["note"] = outcome.Note
	}
	if _, err := r.run.writer.Append(ctx, evidence.Record{
		Phase:   phase.Implementation,
		Kind:    evidence.KindClosure,
		ItemIDs: []string{step.ID},
		Detail:  detail,
	}); err != nil {
		return err
	}
	r.outcomes[step.ID] = outcome
	return nil
}

// enforcement inspects the registry once per closure. After a real run the
// registry must hold the planned fingerprint; after a dry run it must still
// hold what the baseline saw.
func (x *run) enforcement(ctx context.Context, in implemented) (enforced, exit, error) {
	out := enforced{implemented: in}
	for _, step := range in.plan.Steps {
		outcome := in.outcomes[step.ID]
		result, err := x.registry.Check(ctx, step.Target.ID)
		if err != nil {
			x.failItem = step.ID
			return enforced{}, exit{}, fmt.Errorf("runner: enforce %s: %w", step.Target.ID, err)
		}
		c := check{
			ID:       step.ID + "/" + checkFingerprint,
			ItemID:   step.ID,
			Kind:     checkFingerprint,
			Expected: step.Target.Fingerprint,
			Observed: result.Fingerprint(),
			State:    result.State,
		}
		if outcome.DryRun {
			c.ID = step.ID + "/" + checkPreview
			c.Kind = checkPreview
			c.Expected = in.baseline[step.ID].Fingerprint()
		}
		out.checks = append(out.checks, c)
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase:   phase.Enforcement,
			Kind:    evidence.KindEnforcement,
			ItemIDs: []string{step.ID},
			Detail: map[string]string{
				"check":    c.ID,
				"kind":     c.Kind,
				"expected": c.Expected,
				"observed": c.Observed,
				"state":    string(c.State),
			},
		}); err != nil {
			return enforced{}, exit{}, err
		}
	}
	checked := make(map[string]bool, len(out.checks))
	for _, c := range out.checks {
		checked[c.ItemID] = true
	}
	var missing []string
	for item := range in.outcomes {
		if !checked[item] {
			missing = append(missing, item)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		x.failItem = missing[0]
		return enforced{}, exit{}, &GuardError{Phase: phase.Enforcement, Missing: missing, Reason: "closures without enforcement check"}
	}
	return out, exit{items: in.items, detail: map[string]string{"checks": itoa(len(out.checks))}}, nil
}

// validation records a pass or fail for every check. Any failure blocks.
func (x *run) validation(ctx context.Context, in enforced) (validated, exit, error) {
	out := validated{enforced: in}
	var failed []string
	results := 0
	for _, c := range in.checks {
		result := "pass"
		if !c.passed() {
			result = "fail"
			failed = append(failed, c.ID)
			if x.failItem == "" {
				x.failItem = c.ItemID
			}
		} else {
			out.passed++
		}
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase:   phase.Validation,
			Kind:    evidence.KindValidation,
			ItemIDs: []string{c.ItemID},
			Detail:  map[string]string{"check": c.ID, "result": result},
		}); err != nil {
			return validated{}, exit{}, err
		}
		results++
	}
	if results != len(in.checks) {
		return validated{}, exit{}, &GuardError{Phase: phase.Validation, Reason: "checks without result"}
	}
	if len(failed) > 0 {
		return validated{}, exit{}, &CheckFailedError{Checks: failed}
	}
	return out, exit{items: in.items, detail: map[string]string{"passed": itoa(out.passed)}}, nil
}

// recursiveVerify re-reads the log from the store and checks its chain and
// the bijection between declared plan items and the work recorded for them.
func (x *run) recursiveVerify(ctx context.Context, in validated) (verified, exit, error) {
	records, err := x.evidence.Records(ctx, x.key)
	if err != nil {
		return verified{}, exit{}, err
	}
	if err := evidence.Verify(records); err != nil {
		return verified{}, exit{}, err
	}
	if drift := checkScope(x.key.ContractID, records, x.opts.DryRun); drift != nil {
		if len(drift.Unperformed) > 0 {
			x.failItem = drift.Unperformed[0]
		} else {
			x.failItem = drift.Unplanned[0]
		}
		return verified{}, exit{}, drift
	}
	head := records[len(records)-1].Hash
	if _, err := x.writer.Append(ctx, evidence.Record{
		Phase:            phase.RecursiveVerify,
		Kind:             evidence.KindVerification,
		ItemIDs:          in.items,
		Detail:           map[string]string{"records": itoa(len(records)), "planned": itoa(len(in.items))},
		VerificationHash: head,
	}); err != nil {
		return verified{}, exit{}, err
	}
	return verified{validated: in, records: len(records), head: head}, exit{items: in.items, verification: head}, nil
}

// checkScope returns nil when every recorded closure, artifact and approval
// traces to a plan item and every plan item was closed, written when it
// had to be, and approved when it needed approval.
func checkScope(contractID string, records []evidence.Record, dryRun bool) *ScopeDriftError {
	planned := map[string]map[string]string{}
	performed := map[evidence.Kind]map[string]bool{
		evidence.KindClosure:  {},
		evidence.KindArtifact: {},
		evidence.KindApproval: {},
	}
	approved := map[string]bool{}
	for _, rec := range records {
		if rec.Kind == evidence.KindPlanItem {
			for _, id := range rec.ItemIDs {
				planned[id] = rec.Detail
			}
			continue
		}
		seen, tracked := performed[rec.Kind]
		if !tracked {
			continue
		}
		for _, id := range rec.ItemIDs {
			seen[id] = true
			if rec.Kind == evidence.KindApproval && rec.Detail["decision"] == string(approval.DecisionApproved) {
				approved[id] = true
			}
		}
	}

	drift := &ScopeDriftError{ContractID: contractID}
	unplanned := map[string]bool{}
	for _, seen := range performed {
		for id := range seen {
			if _, ok := planned[id]; !ok {
				unplanned[id] = true
			}
		}
	}
	for id := range unplanned {
		drift.Unplanned = append(drift.Unplanned, id)
	}
	for id, detail := range planned {
		switch {
		case !performed[evidence.KindClosure][id]:
		case dryRun || detail["action"] == string(planner.ActionNoop):
			continue
		case !performed[evidence.KindArtifact][id]:
		case detail["requires_approval"] == "true" && !approved[id]:
		default:
			continue
		}
		drift.Unperformed = append(drift.Unperformed, id)
	}
	if len(drift.Unplanned) == 0 && len(drift.Unperformed) == 0 {
		return nil
	}
	sort.Strings(drift.Unplanned)
	sort.Strings(drift.Unperformed)
	return drift
}

// finalReport appends the summary, closes phase 6 and seals the log.
func (x *run) finalReport(ctx context.Context, in verified) (Summary, error) {
	summary, err := advance(ctx, x, phase.FinalReport, in, func(ctx context.Context, in verified) (Summary, exit, error) {
		items := make([]ItemReport, 0, len(in.items))
		for _, step := range in.plan.Steps {
			outcome := in.outcomes[step.ID]
			report := ItemReport{
				ID:          step.ID,
				Action:      string(step.Action),
				Fingerprint: step.Target.Fingerprint,
				Written:     outcome.Written,
				DryRun:      outcome.DryRun,
			}
			if req, ok := in.approvals[step.ID]; ok {
				report.Approval = string(req.Decision)
			}
			items = append(items, report)
		}
		s := x.summary(OutcomeSucceeded, phase.FinalReport, items)
		hash, err := canonical.Hash(items)
		if err != nil {
			return Summary{}, exit{}, err
		}
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase: phase.FinalReport,
			Kind:  evidence.KindSummary,
			Detail: map[string]string{
				"outcome":     string(OutcomeSucceeded),
				"written":     itoa(s.Written),
				"unchanged":   itoa(s.Unchanged),
				"destructive": itoa(s.Destructive),
				"plan_hash":   s.PlanHash,
				"dry_run":     boolString(x.opts.DryRun),
			},
			VerificationHash: hash,
		}); err != nil {
			return Summary{}, exit{}, err
		}
		return s, exit{items: in.items, verification: in.head}, nil
	})
	if err != nil {
		return Summary{}, err
	}
	if _, err := x.writer.Seal(ctx, map[string]string{"outcome": string(OutcomeSucceeded)}); err != nil {
		return Summary{}, err
	}
	if err := x.machine.Finish(); err != nil {
		return Summary{}, err
	}
	if head, ok := x.writer.Head(); ok {
		summary.Records = int(head.Sequence)
		summary.HeadHash = head.Hash
	}
	summary.FinishedAt = x.writer.Now().UTC()
	x.logger.Info("run sealed",
		zap.Int("written", summary.Written),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("records", summary.Records))
	return summary, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func missingKeys[V any](items []string, done map[string]V) []string {
	var missing []string
	for _, item := range items {
		if _, ok := done[item]; !ok {
			missing = append(missing, item)
		}
	}
	return missing
}

func firstMissing[V any](items []string, done map[string]V) string {
	if missing := missingKeys(items, done); len(missing) > 0 {
		return missing[0]
	}
	return ""
}
