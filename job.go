// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is an opaque snapshot of the inbound HTTP request that created
// a Job: the parts a plugin needs to compose its argv/env/headers from,
// taken once so later mutation of the live *http.Request can't leak into
// a Job already queued.
type Request struct {
	Method      string
	Path        string
	Header      map[string][]string
	QueryParams map[string][]string
	Payload     []byte
	AuthUser    string

	Args     []string
	Env      map[string]string
	EnvFiles []string
	ArgFiles []JobArgFile
}

// JobArgFile is one payload-supplied argument file (spec.md §6).
type JobArgFile struct {
	Arg      string
	Filename string
	Content  string // base64
}

// Job is the in-memory record of one submitted work item. Only the
// EndpointWorker that owns the Job's endpoint mutates Status, Result,
// Errors, ReturnCode and the timestamps; everything else is read-only
// after construction.
type Job struct {
	mu sync.Mutex

	// Name is the endpoint this job targets.
	Name string
	// UID is "<endpoint>:<id>", unique within the JobRegistry.
	UID string
	// Endpoint duplicates Name; kept distinct for callback use per
	// spec.md §3.
	Endpoint string
	// Method is the plugin method to invoke, e.g. "run" or "deploy".
	Method string

	Request *Request

	Status     JobStatus
	ReturnCode *int

	result []string
	errors []string
	prvPos int
	curPos int

	StartedAt time.Time
	EndedAt   time.Time

	Vars map[string]any

	done     chan struct{}
	doneOnce sync.Once
}

// NewJob constructs a Job in status "new" with its template vars snapshot
// taken immediately (spec.md §3, §9 "_env_ snapshot").
func NewJob(endpoint, id, method string, req *Request) *Job {
	var now = time.Now()
	var j = &Job{
		Name:     endpoint,
		UID:      endpoint + `:` + id,
		Endpoint: endpoint,
		Method:   method,
		Request:  req,
		Status:   JobStatusNew,
		done:     make(chan struct{}),
	}
	j.Vars = map[string]any{
		`_env_`:    snapshotEnviron(),
		`_time_`:   now,
		`_gmtime_`: now.UTC(),
		`_uid_`:    j.UID,
		`_uuid_`:   uuid.NewString(),
	}
	return j
}

func snapshotEnviron() map[string]string {
	var out = make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

// Done returns a channel closed once the Job reaches JobStatusComplete.
// This is the first-class completion future called for in spec.md §9,
// in place of a bare callback closure; Finish closes it.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// StartProcessing transitions the Job to "processing" and records
// StartedAt. It is a programming error to call this twice.
func (j *Job) StartProcessing() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.Status.canTransitionTo(JobStatusProcessing) {
		return
	}
	j.Status = JobStatusProcessing
	j.StartedAt = time.Now()
}

// AddResult appends a line of captured stdout to the Job. Safe to call
// only before Finish.
func (j *Job) AddResult(line string) {
	j.mu.Lock()
	j.result = append(j.result, line)
	j.mu.Unlock()
}

// AddError appends an error line to the Job.
func (j *Job) AddError(line string) {
	j.mu.Lock()
	j.errors = append(j.errors, line)
	j.mu.Unlock()
}

// HasError reports whether the Job has any recorded error line.
func (j *Job) HasError() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.errors) != 0
}

// Errors returns every error line recorded so far.
func (j *Job) Errors() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out = make([]string, len(j.errors))
	copy(out, j.errors)
	return out
}

// LastResult returns the result lines appended since the previous call
// to LastResult, advancing the cursor (spec.md §4.5 "stream").
func (j *Job) LastResult() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prvPos = j.curPos
	j.curPos = len(j.result)
	var out = make([]string, j.curPos-j.prvPos)
	copy(out, j.result[j.prvPos:j.curPos])
	return out
}

// Finish transitions the Job to "complete", records EndedAt and the
// return code, and closes the completion future. Safe to call at most
// once; subsequent calls are no-ops.
func (j *Job) Finish(returnCode *int) {
	j.mu.Lock()
	if !j.Status.canTransitionTo(JobStatusComplete) {
		j.mu.Unlock()
		return
	}
	j.Status = JobStatusComplete
	j.EndedAt = time.Now()
	j.ReturnCode = returnCode
	j.mu.Unlock()

	j.doneOnce.Do(func() { close(j.done) })
}

// IsComplete reports whether the Job has reached JobStatusComplete,
// read under the Job's own mutex so a concurrent StartProcessing/Finish
// write by the owning EndpointWorker is never observed torn (spec.md
// §5; JobRegistry.Take's terminal-observation check uses this instead
// of reading Status directly).
func (j *Job) IsComplete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusComplete
}

// snapshot is an internal read-consistent copy of the fields the control
// API and notifier need, taken under the Job's own mutex.
type jobSnapshot struct {
	UID        string
	Status     JobStatus
	ReturnCode *int
	StartedAt  time.Time
	EndedAt    time.Time
	Stream     []string
	Errors     []string
	HasError   bool
}

func (j *Job) snapshot(advanceCursor bool) jobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stream []string
	if advanceCursor {
		j.prvPos = j.curPos
		j.curPos = len(j.result)
		stream = append(stream, j.result[j.prvPos:j.curPos]...)
	}

	var errs []string
	errs = append(errs, j.errors...)

	return jobSnapshot{
		UID:        j.UID,
		Status:     j.Status,
		ReturnCode: j.ReturnCode,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		Stream:     stream,
		Errors:     errs,
		HasError:   len(errs) != 0,
	}
}
