package replication

// Lag thresholds in seconds. Boundary values classify into the less
// severe bucket: exactly 1s is still sync, exactly 3s is still async.
const (
	syncLagMax  = 1.0
	asyncLagMax = 3.0
)

// Classify maps a replay lag to sync and health states. Pure and total:
// every lag value, including zero and absurdly large ones, classifies.
func Classify(lagSeconds float64) (SyncState, HealthState) {
	switch {
	case lagSeconds <= syncLagMax:
		return SyncStateSync, HealthHealthy
	case lagSeconds <= asyncLagMax:
		return SyncStateAsync, HealthWarning
	default:
		return SyncStatePotential, HealthCritical
	}
}
