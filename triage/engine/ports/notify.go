package ports

import "context"

// DiagnosisUpdate is published after an assistant turn commits.
type DiagnosisUpdate struct {
	AppointmentID int64         `json:"appointment_id"`
	Sequence      int64         `json:"sequence"`
	Diagnosis     DiagnosisView `json:"diagnosis"`
}

// Notifier fans out diagnosis updates to listeners outside the process.
type Notifier interface {
	Publish(ctx context.Context, update DiagnosisUpdate) error
}
