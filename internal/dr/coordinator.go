package dr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/backup"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
	"github.com/carevault/durability/internal/replication"
)

// PlanRequest asks for a runbook. TargetTime is required for the data
// corruption scenario and ignored otherwise.
type PlanRequest struct {
	Scenario   Scenario   `json:"scenario"`
	TargetTime *time.Time `json:"target_time,omitempty"`
}

// Plan is a computed recovery runbook.
type Plan struct {
	ID               uuid.UUID  `json:"id"`
	Scenario         Scenario   `json:"scenario"`
	Method           Method     `json:"method"`
	Steps            []string   `json:"steps"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	PromoteReplica   string     `json:"promote_replica,omitempty"`
	BackupID         *uuid.UUID `json:"backup_id,omitempty"`
	TargetTime       *time.Time `json:"target_time,omitempty"`
	GeneratedAt      time.Time  `json:"generated_at"`
}

// Coordinator plans recovery from current backup and replica state.
type Coordinator struct {
	jobs     backup.JobStore
	replicas replication.StatusStore
	audit    *audit.Recorder
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(jobs backup.JobStore, replicas replication.StatusStore,
	recorder *audit.Recorder, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		jobs:     jobs,
		replicas: replicas,
		audit:    recorder,
		logger:   logger,
	}
}

// Plan computes a runbook for the requested scenario. Every call lands
// in the audit trail as a critical event, failures included; a plan
// request means someone believes a disaster is in progress.
func (c *Coordinator) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	plan, err := c.compute(ctx, req)
	if err != nil {
		c.audit.Record(ctx, audit.Event{
			Action:       audit.ActionDRPlanComputed,
			ResourceType: audit.ResourceDRPlan,
			Severity:     audit.SeverityCritical,
			Status:       audit.StatusFailure,
			Details: map[string]string{
				"scenario": string(req.Scenario),
				"error":    err.Error(),
			},
		})
		return nil, err
	}

	c.logger.Warn("disaster recovery plan computed",
		zap.String("plan_id", plan.ID.String()),
		zap.String("scenario", string(plan.Scenario)),
		zap.String("method", string(plan.Method)),
		zap.Int("estimated_minutes", plan.EstimatedMinutes))
	c.audit.Record(ctx, audit.Event{
		Action:       audit.ActionDRPlanComputed,
		ResourceType: audit.ResourceDRPlan,
		ResourceID:   plan.ID.String(),
		Severity:     audit.SeverityCritical,
		Details: map[string]string{
			"scenario":          string(plan.Scenario),
			"method":            string(plan.Method),
			"estimated_minutes": fmt.Sprintf("%d", plan.EstimatedMinutes),
		},
	})
	metrics.RecordDRPlan(string(plan.Scenario))

	return plan, nil
}

func (c *Coordinator) compute(ctx context.Context, req PlanRequest) (*Plan, error) {
	if !req.Scenario.Valid() {
		return nil, fault.Newf(fault.KindPrecondition, "dr.plan",
			"unknown scenario %q", req.Scenario)
	}

	plan := &Plan{
		ID:          uuid.New(),
		Scenario:    req.Scenario,
		GeneratedAt: time.Now().UTC(),
	}

	// An explicit target time always means point-in-time recovery, even
	// when the incident was reported as a primary failure. Site failure
	// is the exception; a lost site cannot replay to a point in time
	// without a full restore first.
	if req.TargetTime != nil && req.Scenario != ScenarioSiteFailure {
		plan.Method = MethodPointInTime
		plan.EstimatedMinutes = estimatePointInTimeMinutes
		plan.TargetTime = req.TargetTime
		plan.Steps = pointInTimeSteps(*req.TargetTime)
		return plan, nil
	}

	switch req.Scenario {
	case ScenarioPrimaryFailure:
		replica, err := c.pickPromotionTarget(ctx)
		if err != nil {
			return nil, err
		}
		plan.Method = MethodImmediatePromote
		plan.EstimatedMinutes = estimateImmediateMinutes
		plan.PromoteReplica = replica.ReplicaName
		plan.Steps = promoteSteps(replica.ReplicaName)

	case ScenarioDataCorruption:
		if req.TargetTime == nil {
			return nil, fault.Precondition("dr.plan",
				"data corruption recovery requires a target time")
		}
		plan.Method = MethodPointInTime
		plan.EstimatedMinutes = estimatePointInTimeMinutes
		plan.TargetTime = req.TargetTime
		plan.Steps = pointInTimeSteps(*req.TargetTime)

	case ScenarioSiteFailure:
		// A site rebuild starts from a backup that has actually been
		// restored and checked; an unverified one is not a foundation.
		full, err := c.jobs.LatestVerifiedFull(ctx)
		if err != nil {
			if fault.IsNotFound(err) {
				return nil, fault.Precondition("dr.plan",
					"site failure recovery requires a verified full backup and none exists")
			}
			return nil, err
		}
		plan.Method = MethodFullRestore
		plan.EstimatedMinutes = estimateFullRestoreMinutes
		plan.BackupID = &full.ID
		plan.Steps = fullRestoreSteps(full.TargetPath)
	}

	return plan, nil
}

// pickPromotionTarget returns the connected replica with the lowest
// replay lag. Disconnected replicas are never promotion candidates.
func (c *Coordinator) pickPromotionTarget(ctx context.Context) (*replication.ReplicaStatus, error) {
	statuses, err := c.replicas.List(ctx)
	if err != nil {
		return nil, err
	}

	var best *replication.ReplicaStatus
	for _, status := range statuses {
		if status.ConnectionState != replication.ConnectionConnected {
			continue
		}
		if best == nil || status.LagSeconds < best.LagSeconds {
			best = status
		}
	}
	if best == nil {
		return nil, fault.Precondition("dr.plan",
			"no connected replica is available for promotion")
	}
	return best, nil
}
