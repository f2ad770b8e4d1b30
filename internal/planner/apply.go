package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/artifact"
)

// Approver opens approval requests and waits for their resolution.
type Approver interface {
	Request(ctx context.Context, step approval.StepRef) (approval.Request, error)
	Await(ctx context.Context, id string) (approval.Request, error)
	Withdraw(ctx context.Context, id, reason string) (approval.Request, error)
}

// withdrawnReason closes requests left open by a run that stopped waiting.
const withdrawnReason = "run cancelled"

// Recorder is told about every step before Apply moves on. An error from
// the recorder stops Apply.
type Recorder interface {
	ApprovalRequested(ctx context.Context, step Step, req approval.Request) error
	ApprovalResolved(ctx context.Context, step Step, req approval.Request) error
	StepApplied(ctx context.Context, step Step, outcome Outcome) error
}

// Outcome is what happened to one step.
type Outcome struct {
	StepID    string `json:"step_id"`
	Action    Action `json:"action"`
	Written   bool   `json:"written"`
	DryRun    bool   `json:"dry_run,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

// ApplyOptions controls one Apply call.
type ApplyOptions struct {
	DryRun      bool
	RunID       string
	RequesterID string
	Approver    Approver
	Recorder    Recorder
}

// ApplyResult lists the outcomes of the steps Apply reached, in order.
type ApplyResult struct {
	Outcomes  []Outcome
	Approvals []approval.Request
}

// Apply executes plan in order. Dry runs do everything except write and
// request approvals. Otherwise a destructive step waits for approval and
// anything but an approval stops Apply with ApprovalDeniedError. Each
// step is reported to the recorder before the next one starts.
func (p *Planner) Apply(ctx context.Context, plan *Plan, opts ApplyOptions) (ApplyResult, error) {
	var result ApplyResult
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome := Outcome{StepID: step.ID, Action: step.Action}
		switch {
		case step.Action == ActionNoop:
			outcome.Note = "fingerprint unchanged"
		case opts.DryRun:
			outcome.DryRun = true
			if step.RequiresApproval {
				outcome.Note = "requires approval"
			}
		default:
			if step.RequiresApproval {
				req, err := p.approve(ctx, step, opts, &result)
				if err != nil {
					return result, err
				}
				outcome.RequestID = req.ID
			}
			if err := p.write(ctx, step, opts.RunID); err != nil {
				return result, err
			}
			outcome.Written = true
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if opts.Recorder != nil {
			if err := opts.Recorder.StepApplied(ctx, step, outcome); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (p *Planner) approve(ctx context.Context, step Step, opts ApplyOptions, result *ApplyResult) (approval.Request, error) {
	if opts.Approver == nil {
		return approval.Request{}, &ApprovalDeniedError{StepID: step.ID, Decision: approval.DecisionRejected, Reason: "no approval gate configured"}
	}
	req, err := opts.Approver.Request(ctx, approval.StepRef{
		StepID:      step.ID,
		ContractID:  step.Target.ContractID,
		RunID:       opts.RunID,
		TargetID:    step.Target.ID,
		RiskClass:   step.RiskClass,
		RequesterID: opts.RequesterID,
		Summary:     fmt.Sprintf("%s %s (fingerprint %s -> %s)", step.Action, step.Target.ID, short(step.Target.PriorFingerprint), short(step.Target.Fingerprint)),
	})
	if err != nil {
		return approval.Request{}, err
	}
	if opts.Recorder != nil {
		if err := opts.Recorder.ApprovalRequested(ctx, step, req); err != nil {
			return req, err
		}
	}
	resolved, waitErr := opts.Approver.Await(ctx, req.ID)
	if waitErr != nil {
		return p.withdraw(ctx, step, opts, result, req, waitErr)
	}
	result.Approvals = append(result.Approvals, resolved)
	if opts.Recorder != nil {
		if err := opts.Recorder.ApprovalResolved(ctx, step, resolved); err != nil {
			return resolved, err
		}
	}
	if !resolved.Decision.Allows() {
		p.logger.Warn("destructive step denied",
			zap.String("step", step.ID),
			zap.String("decision", string(resolved.Decision)))
		return resolved, &ApprovalDeniedError{StepID: step.ID, RequestID: resolved.ID, Decision: resolved.Decision, Reason: resolved.Reason}
	}
	return resolved, nil
}

// withdraw closes a request the run stopped waiting on so no later decision
// can apply to it, and records the closure. It runs past cancellation.
func (p *Planner) withdraw(ctx context.Context, step Step, opts ApplyOptions, result *ApplyResult, req approval.Request, waitErr error) (approval.Request, error) {
	ctx = context.WithoutCancel(ctx)
	waitErr = fmt.Errorf("planner: await approval for %s: %w", step.ID, waitErr)
	closed, err := opts.Approver.Withdraw(ctx, req.ID, withdrawnReason)
	if err != nil {
		result.Approvals = append(result.Approvals, req)
		return req, errors.Join(waitErr, fmt.Errorf("planner: withdraw approval %s: %w", req.ID, err))
	}
	result.Approvals = append(result.Approvals, closed)
	p.logger.Warn("approval withdrawn",
		zap.String("step", step.ID),
		zap.String("request", closed.ID),
		zap.String("decision", string(closed.Decision)))
	if opts.Recorder != nil {
		if err := opts.Recorder.ApprovalResolved(ctx, step, closed); err != nil {
			return closed, errors.Join(waitErr, err)
		}
	}
	return closed, waitErr
}

func (p *Planner) write(ctx context.Context, step Step, runID string) error {
	target := step.Target
	err := p.registry.Write(ctx, target.ID, target.Content, artifact.Metadata{
		ContractID:  target.ContractID,
		Kind:        target.Kind,
		Fingerprint: target.Fingerprint,
		RunID:       runID,
	})
	if err != nil {
		return fmt.Errorf("planner: write %s: %w", target.ID, err)
	}
	p.logger.Info("wrote target",
		zap.String("target", target.ID),
		zap.String("action", string(step.Action)),
		zap.String("fingerprint", target.Fingerprint))
	return nil
}

func short(hash string) string {
	if hash == "" {
		return "none"
	}
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
