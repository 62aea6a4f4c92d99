// Package model defines the Job record shared by the store, worker, and
// control plane.
package model

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Classification is the destination subtree a completed job is published
// under.
type Classification string

const (
	ClassificationMovie Classification = "movie"
	ClassificationTV    Classification = "tv"
	ClassificationAudio Classification = "audio"
)

// EncoderFamily is the hardware acceleration backend resolved for a job at
// start time.
type EncoderFamily string

const (
	EncoderNVENC     EncoderFamily = "nvenc"
	EncoderVAAPI     EncoderFamily = "vaapi"
	EncoderAMF       EncoderFamily = "amf"
	EncoderQSV       EncoderFamily = "qsv"
	EncoderSoftX265  EncoderFamily = "soft_x265"
	EncoderSoftX264  EncoderFamily = "soft_x264"
)

// ErrorKind is the stable taxonomy string stored on a job's last error.
type ErrorKind string

const (
	ErrorKindMalformed      ErrorKind = "malformed"
	ErrorKindUnauthorized   ErrorKind = "unauthorized"
	ErrorKindOversized      ErrorKind = "oversized"
	ErrorKindMissing        ErrorKind = "missing"
	ErrorKindUnstable       ErrorKind = "unstable"
	ErrorKindNoSpace        ErrorKind = "nospace"
	ErrorKindEncode         ErrorKind = "encode"
	ErrorKindPublish        ErrorKind = "publish"
	ErrorKindShutdown       ErrorKind = "shutdown"
	ErrorKindInterrupted    ErrorKind = "interrupted"
	ErrorKindRetryExhausted ErrorKind = "retry_exhausted"
)

// Retryable reports whether a job left in this error kind is eligible for
// the control-plane retry operation.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindMissing, ErrorKindUnstable, ErrorKindNoSpace, ErrorKindEncode, ErrorKindPublish:
		return true
	default:
		return false
	}
}

// Job is the central entity: one row per accepted notification.
type Job struct {
	ID             int64          `json:"id"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Title          string         `json:"title"`
	SourceHint     string         `json:"source_hint"`
	SourceResolved string         `json:"source_resolved,omitempty"`
	Status         Status         `json:"status"`
	Progress       float64        `json:"progress"`
	RetryCount     int            `json:"retry_count"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	Error          string         `json:"error,omitempty"`
	OutputPath     string         `json:"output_path,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	EncoderFamily  EncoderFamily  `json:"encoder_family,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a state the worker will
// never resume from on its own.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
