package orchestrator

import (
	"context"
	"sync"
	"time"
)

// HealthCheckResult reports connectivity to both databases.
type HealthCheckResult struct {
	Timestamp        string `json:"timestamp"`
	Healthy          bool   `json:"healthy"`
	SynapseConnected bool   `json:"synapse_connected"`
	SynapseError     string `json:"synapse_error,omitempty"`
	SynapseLatencyMs int64  `json:"synapse_latency_ms"`
	SynapseSchema    int    `json:"synapse_schema_version,omitempty"`
	MASConnected     bool   `json:"mas_connected"`
	MASError         string `json:"mas_error,omitempty"`
	MASLatencyMs     int64  `json:"mas_latency_ms"`
	MASMigration     int64  `json:"mas_migration_version,omitempty"`
}

// HealthCheck pings both databases in parallel with independent timeouts, so
// one slow side cannot eat the other's budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.src.Ping(checkCtx); err != nil {
			result.SynapseError = err.Error()
		} else {
			result.SynapseConnected = true
			if v, err := o.src.SchemaVersion(checkCtx); err == nil {
				result.SynapseSchema = v
			}
		}
		result.SynapseLatencyMs = time.Since(start).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.mas.Ping(checkCtx); err != nil {
			result.MASError = err.Error()
		} else {
			result.MASConnected = true
			if v, err := o.mas.MigrationVersion(checkCtx); err == nil {
				result.MASMigration = v
			}
		}
		result.MASLatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.SynapseConnected && result.MASConnected
	return result
}
