package handlers

import "github.com/google/uuid"

// Event payloads (spec §4.3 envelope, §6 "Core -> engines" stream message
// contract). Each mirrors the JSON body carried in eventbus.Event.Payload.

type TaskStartedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	JobID  uuid.UUID `json:"job_id"`
}

type TaskCompletedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	JobID     uuid.UUID `json:"job_id"`
	OutputURI string    `json:"output_uri"`
}

type TaskFailedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	JobID  uuid.UUID `json:"job_id"`
	Error  string    `json:"error"`
}

type JobCancelRequestedPayload struct {
	JobID uuid.UUID `json:"job_id"`
}
