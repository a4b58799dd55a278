package util

import (
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	FleetStatusKey      = "gpu_worker_status"
	FleetLastUpdateKey  = "gpu_worker_last_update"
	FleetStartDeadline  = "gpu_worker_start_deadline"
	FleetLeaseKey       = "gpu_worker_controller_lease"
	fleetHeartbeatScope = "gpu_worker_heartbeat"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetJobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func GetLaneKey(lane string) string {
	return fmt.Sprintf("queue:%s", lane)
}

func GetIdempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

func GetFleetHeartbeatKey(workerID string) string {
	return fmt.Sprintf("%s:%s", fleetHeartbeatScope, workerID)
}

// GetFleetHeartbeatPattern matches every key built by GetFleetHeartbeatKey.
func GetFleetHeartbeatPattern() string {
	return fleetHeartbeatScope + ":*"
}

func GetOutputPath(jobID, file string) string {
	return fmt.Sprintf("jobs/output/%s/%s", jobID, file)
}
