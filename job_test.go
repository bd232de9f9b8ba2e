// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"testing"
	"time"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

func TestNewJobUID(t *testing.T) {
	var job = NewJob(`deploy`, `42`, `run`, &Request{})
	test.Assert(t, `UID`, `deploy:42`, job.UID)
	test.Assert(t, `Endpoint`, `deploy`, job.Endpoint)
	test.Assert(t, `Status`, JobStatusNew, job.Status)
}

func TestNewJobVarsSnapshot(t *testing.T) {
	var job = NewJob(`deploy`, `42`, `run`, &Request{})

	var _, hasEnv = job.Vars[`_env_`]
	test.Assert(t, `has _env_`, true, hasEnv)
	var _, hasTime = job.Vars[`_time_`]
	test.Assert(t, `has _time_`, true, hasTime)
	var _, hasGmtime = job.Vars[`_gmtime_`]
	test.Assert(t, `has _gmtime_`, true, hasGmtime)
	test.Assert(t, `_uid_`, job.UID, job.Vars[`_uid_`])

	var uuidStr, ok = job.Vars[`_uuid_`].(string)
	test.Assert(t, `_uuid_ is string`, true, ok)
	test.Assert(t, `_uuid_ non-empty`, true, len(uuidStr) > 0)
}

func TestJobStartProcessingOnlyOnce(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.StartProcessing()
	test.Assert(t, `status after first StartProcessing`, JobStatusProcessing, job.Status)
	var firstStart = job.StartedAt

	time.Sleep(time.Millisecond)
	job.StartProcessing()
	test.Assert(t, `StartedAt unchanged on second call`, firstStart, job.StartedAt)
}

func TestJobFinishClosesDone(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.StartProcessing()

	var closedBefore bool
	select {
	case <-job.Done():
		closedBefore = true
	default:
	}
	test.Assert(t, `Done not closed before Finish`, false, closedBefore)

	var zero = 0
	job.Finish(&zero)

	var closedAfter bool
	select {
	case <-job.Done():
		closedAfter = true
	default:
	}
	test.Assert(t, `Done closed after Finish`, true, closedAfter)
	test.Assert(t, `Status`, JobStatusComplete, job.Status)
	test.Assert(t, `ReturnCode`, &zero, job.ReturnCode)
	test.Assert(t, `EndedAt set`, true, !job.EndedAt.IsZero())
}

func TestJobFinishWithoutStartProcessingIsNoop(t *testing.T) {
	// Finish requires the monotonic new -> processing -> complete path;
	// calling it directly from "new" must not silently succeed.
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	var zero = 0
	job.Finish(&zero)
	test.Assert(t, `status stays new`, JobStatusNew, job.Status)

	var closed bool
	select {
	case <-job.Done():
		closed = true
	default:
	}
	test.Assert(t, `Done not closed without a valid transition`, false, closed)
}

func TestJobFinishIsIdempotent(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.StartProcessing()

	var one = 1
	job.Finish(&one)
	var two = 2
	job.Finish(&two)

	test.Assert(t, `ReturnCode keeps first Finish value`, &one, job.ReturnCode)
}

func TestJobAddResultAndAddError(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.AddResult(`line one`)
	job.AddResult(`line two`)
	job.AddError(`boom`)

	test.Assert(t, `HasError`, true, job.HasError())
	test.Assert(t, `Errors`, []string{`boom`}, job.Errors())
}

func TestJobLastResultAdvancesCursor(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.AddResult(`one`)
	job.AddResult(`two`)

	var first = job.LastResult()
	test.Assert(t, `first LastResult`, []string{`one`, `two`}, first)

	var second = job.LastResult()
	test.Assert(t, `second LastResult empty`, []string{}, second)

	job.AddResult(`three`)
	var third = job.LastResult()
	test.Assert(t, `third LastResult`, []string{`three`}, third)
}

func TestJobSnapshotWithoutAdvancingCursor(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	job.AddResult(`one`)

	var snap = job.snapshot(false)
	test.Assert(t, `snapshot UID`, job.UID, snap.UID)
	test.Assert(t, `snapshot Stream empty when not advancing`, 0, len(snap.Stream))

	var advanced = job.snapshot(true)
	test.Assert(t, `advanced Stream`, []string{`one`}, advanced.Stream)

	var again = job.snapshot(true)
	test.Assert(t, `second advance empty`, 0, len(again.Stream))
}

func TestJobSnapshotHasError(t *testing.T) {
	var job = NewJob(`deploy`, `1`, `run`, &Request{})
	var snap = job.snapshot(false)
	test.Assert(t, `HasError false initially`, false, snap.HasError)

	job.AddError(`oops`)
	snap = job.snapshot(false)
	test.Assert(t, `HasError true after AddError`, true, snap.HasError)
	test.Assert(t, `Errors`, []string{`oops`}, snap.Errors)
}

func TestSnapshotEnviron(t *testing.T) {
	t.Setenv(`AUTON_TEST_VAR`, `hello`)
	var env = snapshotEnviron()
	test.Assert(t, `AUTON_TEST_VAR`, `hello`, env[`AUTON_TEST_VAR`])
}
