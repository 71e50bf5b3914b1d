package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// CheckResult aggregates everything the check operation found. Errors block
// migration; warnings are worth reviewing but not blocking.
type CheckResult struct {
	Timestamp string             `json:"timestamp"`
	Health    *HealthCheckResult `json:"health"`
	Errors    []string           `json:"errors,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// Check runs preflight and data sanity checks without touching any data.
func (o *Orchestrator) Check(ctx context.Context) (*CheckResult, error) {
	result := &CheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
	}

	result.Health = o.HealthCheck(ctx)
	if !result.Health.Healthy {
		if result.Health.SynapseError != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("synapse database unreachable: %s", result.Health.SynapseError))
		}
		if result.Health.MASError != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("mas database unreachable: %s", result.Health.MASError))
		}
		return result, nil
	}

	if err := o.src.CheckSchema(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if err := o.mas.CheckSchema(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	report, err := o.src.SanityChecks(ctx, o.config.Migration.Homeserver, o.config.Migration.UpstreamProviders)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, report.Errors...)
	result.Warnings = append(result.Warnings, report.Warnings...)

	// A populated MAS user table without engine state means this MAS
	// instance has live accounts of its own.
	users, err := o.mas.CountRows(ctx, "users")
	if err != nil {
		return result, err
	}
	if users > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("mas database already has %d users; migration requires previous run state to proceed", users))
	}

	return result, nil
}
