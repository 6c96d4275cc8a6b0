// Package dr computes disaster recovery runbooks. Planning is read-only:
// it inspects backup and replica state and emits steps for an operator
// to execute, it never touches the datastore itself.
package dr

import (
	"fmt"
	"time"
)

// Scenario is a disaster class an operator plans for.
type Scenario string

const (
	ScenarioPrimaryFailure Scenario = "primary_failure"
	ScenarioDataCorruption Scenario = "data_corruption"
	ScenarioSiteFailure    Scenario = "site_failure"
)

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioPrimaryFailure, ScenarioDataCorruption, ScenarioSiteFailure:
		return true
	}
	return false
}

// Method is the recovery approach a plan prescribes.
type Method string

const (
	MethodImmediatePromote Method = "immediate_promote"
	MethodPointInTime      Method = "point_in_time"
	MethodFullRestore      Method = "full_restore"
)

// Estimated recovery times in minutes per method.
const (
	estimateImmediateMinutes   = 15
	estimatePointInTimeMinutes = 60
	estimateFullRestoreMinutes = 180
)

// Every runbook starts by cutting application traffic and ends by
// telling the medical staff the system state, regardless of method.
const (
	stepStopConnections = "Stop application connections to the database"
	stepNotifyStaff     = "Notify medical staff of system status and data currency"
)

func promoteSteps(replica string) []string {
	return []string{
		stepStopConnections,
		fmt.Sprintf("Confirm replica %q replayed all received WAL", replica),
		fmt.Sprintf("Promote replica %q to primary", replica),
		"Repoint application connection strings to the promoted primary",
		"Verify application connectivity and write capability",
		stepNotifyStaff,
	}
}

func pointInTimeSteps(target time.Time) []string {
	return []string{
		stepStopConnections,
		"Provision a recovery instance from the latest base backup",
		fmt.Sprintf("Replay archived WAL up to %s", target.UTC().Format(time.RFC3339)),
		"Validate recovered data against known-good references",
		"Swap application connections to the recovered instance",
		stepNotifyStaff,
	}
}

func fullRestoreSteps(backupPath string) []string {
	return []string{
		stepStopConnections,
		"Provision replacement database infrastructure at the recovery site",
		fmt.Sprintf("Restore verified full backup from %s", backupPath),
		"Replay all archived WAL newer than the backup",
		"Run backup verification against the restored instance",
		"Repoint application connection strings to the recovery site",
		stepNotifyStaff,
	}
}
