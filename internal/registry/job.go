// Copyright 2025 James Ross

// Package registry is the in-store representation of a job: its hash,
// status vocabulary, and the invariants that bind its fields together. The
// dispatch loop is the sole mutator of status/attempt/proc_start_at/server/
// output/error; the progress relay owns the progress fields; the HTTP notify
// endpoint owns phone.
package registry

import (
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// Job is the full set of fields tracked under a job:{request_id} hash key.
type Job struct {
	ID             string
	Status         Status
	Input          string
	Output         string
	WorkflowPath   string
	Attempt        int
	EnqueuedAt     string
	ProcStartAt    string
	Server         string
	Percent        int
	Step           int
	Max            int
	Node           string
	QueueRemaining int
	Error          string
	Phone          string
	SMSStatus      string
	TraceID        string
	SpanID         string
}

// Submission is the ephemeral element popped off the submission queue and
// promoted into a Job by drain_submission_queue.
type Submission struct {
	ID           string `json:"id"`
	Input        string `json:"input"`
	WorkflowPath string `json:"workflow_path,omitempty"`
}

// Key returns the Redis hash key for a job's request id.
func Key(requestID string) string {
	return "job:" + requestID
}

// NowUTC formats the current time the way every timestamp field in this
// system is stored: UTC, ISO-8601/RFC3339Nano, so lexicographic and
// chronological order coincide.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewFromSubmission builds the initial Job hash for a freshly drained
// submission: status=queued, attempt=1, enqueued_at=now.
func NewFromSubmission(sub Submission) Job {
	return Job{
		ID:           sub.ID,
		Status:       StatusQueued,
		Input:        sub.Input,
		WorkflowPath: sub.WorkflowPath,
		Attempt:      1,
		EnqueuedAt:   NowUTC(),
	}
}

// ToFields renders the job as HSET-ready field/value pairs. Every value is a
// string; numeric fields are decimal. Absent optional fields (workflow_path,
// server, error, phone, sms_status, trace/span id) are omitted entirely
// rather than written as an empty or literal "none" string, matching the
// queue-drain contract.
func (j Job) ToFields() []interface{} {
	fields := []interface{}{
		"id", j.ID,
		"status", string(j.Status),
		"input", j.Input,
		"attempt", strconv.Itoa(j.Attempt),
		"enqueued_at", j.EnqueuedAt,
		"percent", strconv.Itoa(j.Percent),
		"step", strconv.Itoa(j.Step),
		"max", strconv.Itoa(j.Max),
		"queue_remaining", strconv.Itoa(j.QueueRemaining),
	}
	if j.Output != "" {
		fields = append(fields, "output", j.Output)
	}
	if j.WorkflowPath != "" {
		fields = append(fields, "workflow_path", j.WorkflowPath)
	}
	if j.ProcStartAt != "" {
		fields = append(fields, "proc_start_at", j.ProcStartAt)
	}
	if j.Server != "" {
		fields = append(fields, "server", j.Server)
	}
	if j.Node != "" {
		fields = append(fields, "node", j.Node)
	}
	if j.Error != "" {
		fields = append(fields, "error", j.Error)
	}
	if j.Phone != "" {
		fields = append(fields, "phone", j.Phone)
	}
	if j.SMSStatus != "" {
		fields = append(fields, "sms_status", j.SMSStatus)
	}
	if j.TraceID != "" {
		fields = append(fields, "trace_id", j.TraceID)
	}
	if j.SpanID != "" {
		fields = append(fields, "span_id", j.SpanID)
	}
	return fields
}

// FromHash parses a hash-field map (as returned by HGETALL) into a Job.
// Numeric fields tolerate absence or garbage by falling back to zero, the
// same safe-parse discipline the progress endpoint uses for fields a flaky
// backend might have written inconsistently.
func FromHash(requestID string, m map[string]string) Job {
	return Job{
		ID:             requestID,
		Status:         Status(m["status"]),
		Input:          m["input"],
		Output:         m["output"],
		WorkflowPath:   m["workflow_path"],
		Attempt:        asInt(m["attempt"], 1),
		EnqueuedAt:     m["enqueued_at"],
		ProcStartAt:    m["proc_start_at"],
		Server:         m["server"],
		Percent:        asInt(m["percent"], 0),
		Step:           asInt(m["step"], 0),
		Max:            asInt(m["max"], 0),
		Node:           m["node"],
		QueueRemaining: asInt(m["queue_remaining"], -1),
		Error:          m["error"],
		Phone:          m["phone"],
		SMSStatus:      m["sms_status"],
		TraceID:        m["trace_id"],
		SpanID:         m["span_id"],
	}
}

func asInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Validate checks the invariants a Job must satisfy regardless of how it
// reached this state: output set iff done, attempt at least 1, and a
// non-negative attempt-ceiling relationship the caller enforces via
// maxAttempts.
func Validate(j Job, maxAttempts int) error {
	if j.Attempt < 1 {
		return fmt.Errorf("job %s: attempt must be >= 1, got %d", j.ID, j.Attempt)
	}
	if j.Status == StatusDone && j.Output == "" {
		return fmt.Errorf("job %s: status=done requires non-empty output", j.ID)
	}
	if j.Status != StatusDone && j.Output != "" {
		return fmt.Errorf("job %s: output is set but status is %q, not done", j.ID, j.Status)
	}
	if j.Status == StatusError && j.Attempt <= maxAttempts && j.Error != ReasonNoInputPath {
		return fmt.Errorf("job %s: status=error with attempt %d <= max %d and non-terminal reason %q", j.ID, j.Attempt, maxAttempts, j.Error)
	}
	return nil
}

// Terminal error/failure reasons, named so callers never hand-type the
// literal strings the dispatch loop depends on for branching.
const (
	ReasonNoInputPath           = "No input path"
	ReasonWatchdogTimeout       = "Timeout while processing"
	ReasonGenerateTimeoutPrefix = "comfyui_timeout_while_generating"
	ReasonDownloadFailedPrefix  = "download_input_failed"
	ReasonGenerateErrorPrefix   = "generate_error"
)
