// Package persona implements the request/response correlation layer
// between workflows and the LLM-backed persona workers: sending requests
// on the request stream, waiting for correlated events, retrying with a
// growing timeout, suppressing duplicates, and running the
// information-request sub-loop.
package persona

import (
	"strconv"
	"time"
)

// Wire field names shared by both streams. All values are string-typed
// on the wire.
const (
	FieldWorkflowID  = "workflow_id"
	FieldStep        = "step"
	FieldFrom        = "from"
	FieldFromPersona = "from_persona"
	FieldToPersona   = "to_persona"
	FieldIntent      = "intent"
	FieldCorrID      = "corr_id"
	FieldPayload     = "payload"
	FieldDeadlineS   = "deadline_s"
	FieldProjectID   = "project_id"
	FieldRepo        = "repo"
	FieldBranch      = "branch"
	FieldTaskID      = "task_id"
	FieldStatus      = "status"
	FieldResult      = "result"
	FieldTS          = "ts"
	FieldError       = "error"
)

// Event statuses.
const (
	EventStatusDone      = "done"
	EventStatusError     = "error"
	EventStatusDuplicate = "duplicate_response"
)

// Request is a persona request message.
type Request struct {
	WorkflowID string
	Step       string
	From       string
	ToPersona  string
	Intent     string
	CorrID     string
	Payload    string
	DeadlineS  int
	ProjectID  string
	Repo       string
	Branch     string
	TaskID     string
}

// Fields renders the request for the wire.
func (r *Request) Fields() map[string]string {
	fields := map[string]string{
		FieldWorkflowID: r.WorkflowID,
		FieldStep:       r.Step,
		FieldFrom:       r.From,
		FieldToPersona:  r.ToPersona,
		FieldIntent:     r.Intent,
		FieldCorrID:     r.CorrID,
		FieldPayload:    r.Payload,
		FieldDeadlineS:  strconv.Itoa(r.DeadlineS),
	}
	if r.ProjectID != "" {
		fields[FieldProjectID] = r.ProjectID
	}
	if r.Repo != "" {
		fields[FieldRepo] = r.Repo
	}
	if r.Branch != "" {
		fields[FieldBranch] = r.Branch
	}
	if r.TaskID != "" {
		fields[FieldTaskID] = r.TaskID
	}
	return fields
}

// RequestFromFields parses a wire entry back into a Request.
func RequestFromFields(fields map[string]string) *Request {
	deadline, _ := strconv.Atoi(fields[FieldDeadlineS])
	return &Request{
		WorkflowID: fields[FieldWorkflowID],
		Step:       fields[FieldStep],
		From:       fields[FieldFrom],
		ToPersona:  fields[FieldToPersona],
		Intent:     fields[FieldIntent],
		CorrID:     fields[FieldCorrID],
		Payload:    fields[FieldPayload],
		DeadlineS:  deadline,
		ProjectID:  fields[FieldProjectID],
		Repo:       fields[FieldRepo],
		Branch:     fields[FieldBranch],
		TaskID:     fields[FieldTaskID],
	}
}

// Event is a persona response message.
type Event struct {
	WorkflowID  string
	Step        string
	FromPersona string
	TaskID      string
	Status      string
	CorrID      string
	Result      string
	TS          string
	Error       string
}

// Fields renders the event for the wire.
func (e *Event) Fields() map[string]string {
	ts := e.TS
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	fields := map[string]string{
		FieldWorkflowID:  e.WorkflowID,
		FieldStep:        e.Step,
		FieldFromPersona: e.FromPersona,
		FieldStatus:      e.Status,
		FieldCorrID:      e.CorrID,
		FieldResult:      e.Result,
		FieldTS:          ts,
	}
	if e.TaskID != "" {
		fields[FieldTaskID] = e.TaskID
	}
	if e.Error != "" {
		fields[FieldError] = e.Error
	}
	return fields
}

// EventFromFields parses a wire entry back into an Event.
func EventFromFields(fields map[string]string) *Event {
	return &Event{
		WorkflowID:  fields[FieldWorkflowID],
		Step:        fields[FieldStep],
		FromPersona: fields[FieldFromPersona],
		TaskID:      fields[FieldTaskID],
		Status:      fields[FieldStatus],
		CorrID:      fields[FieldCorrID],
		Result:      fields[FieldResult],
		TS:          fields[FieldTS],
		Error:       fields[FieldError],
	}
}
