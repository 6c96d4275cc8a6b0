// Package replication tracks streaming-replica health. The live
// replica_status table carries one row of current truth per replica;
// state transitions are recorded in the audit trail.
package replication

import "time"

// SyncState describes how closely a replica tracks the primary.
type SyncState string

const (
	SyncStateSync      SyncState = "sync"
	SyncStateAsync     SyncState = "async"
	SyncStatePotential SyncState = "potential"

	// SyncStateUnknown marks a replica that has never produced a lag
	// sample.
	SyncStateUnknown SyncState = "unknown"
)

// ConnectionState of the replica's replication stream.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"

	// ConnectionReconnecting marks a replica whose stream dropped and
	// keeps failing polls while the monitor retries on its interval.
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// HealthState is the operator-facing severity of a replica.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
)

// Level maps health to a numeric severity for gauges.
func (h HealthState) Level() int {
	switch h {
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// ReplicaStatus is the current observed state of one replica. A
// disconnected replica keeps its last observed lag values so operators
// see how far behind it was when the stream dropped.
type ReplicaStatus struct {
	ReplicaName        string          `json:"replica_name"`
	PrimaryHost        string          `json:"primary_host"`
	ReplicaHost        string          `json:"replica_host"`
	LagBytes           int64           `json:"lag_bytes"`
	LagSeconds         float64         `json:"lag_seconds"`
	LastWALReceivedLSN string          `json:"last_wal_received_lsn"`
	LastWALReplayedLSN string          `json:"last_wal_replayed_lsn"`
	SyncState          SyncState       `json:"sync_state"`
	ConnectionState    ConnectionState `json:"connection_state"`
	HealthState        HealthState     `json:"health_state"`
	LastCheckedAt      time.Time       `json:"last_checked_at"`
}
