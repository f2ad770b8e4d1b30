package approval

import (
	"context"
	"fmt"
	"strings"
)

// Authority resolves the single approver for a risk class.
type Authority interface {
	ApproverFor(ctx context.Context, riskClass string) (string, error)
}

// ConfigAuthority maps risk classes to approver ids. Fallback, when set,
// covers classes with no explicit entry.
type ConfigAuthority struct {
	approvers map[string]string
	fallback  string
}

// NewConfigAuthority normalizes the mapping.
func NewConfigAuthority(approvers map[string]string, fallback string) *ConfigAuthority {
	normalized := make(map[string]string, len(approvers))
	for class, approver := range approvers {
		class = strings.ToLower(strings.TrimSpace(class))
		approver = strings.TrimSpace(approver)
		if class == "" || approver == "" {
			continue
		}
		normalized[class] = approver
	}
	return &ConfigAuthority{approvers: normalized, fallback: strings.TrimSpace(fallback)}
}

func (a *ConfigAuthority) ApproverFor(_ context.Context, riskClass string) (string, error) {
	if approver, ok := a.approvers[strings.ToLower(strings.TrimSpace(riskClass))]; ok {
		return approver, nil
	}
	if a.fallback != "" {
		return a.fallback, nil
	}
	return "", fmt.Errorf("%w for risk class %q", ErrNoAuthority, riskClass)
}
