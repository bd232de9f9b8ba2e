// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"sync"
	"testing"
	"time"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

// fakePlugin is a minimal Plugin used to drive EndpointWorker without
// spawning real subprocesses or HTTP calls. terminatedC reports every
// Terminate call so tests can wait on it deterministically: Terminate
// runs in the worker's deferred cleanup, which is scheduled after
// Job.Finish already closed Done().
type fakePlugin struct {
	handlers    map[string]Handler
	terminatedC chan string

	mu         sync.Mutex
	terminated []string
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{
		handlers:    make(map[string]Handler),
		terminatedC: make(chan string, 8),
	}
}

func (p *fakePlugin) Handlers() map[string]Handler { return p.handlers }

func (p *fakePlugin) Terminate(job *Job) {
	p.mu.Lock()
	p.terminated = append(p.terminated, job.UID)
	p.mu.Unlock()
	p.terminatedC <- job.UID
}

func TestEndpointWorkerUnknownMethodTerminatesJob(t *testing.T) {
	var plugin = newFakePlugin()
	var ep = NewEndpoint(`ep`, plugin)
	var w = NewEndpointWorker(ep)
	ep.worker = w

	var job = NewJob(`ep`, `1`, `nosuchmethod`, &Request{})
	ep.Queue.Enqueue(job)

	go w.Start()
	defer w.Stop()

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal(`job never completed`)
	}

	select {
	case got := <-plugin.terminatedC:
		test.Assert(t, `plugin.Terminate called with job UID`, job.UID, got)
	case <-time.After(time.Second):
		t.Fatal(`plugin.Terminate was never called`)
	}

	test.Assert(t, `status`, JobStatusComplete, job.Status)
	test.Assert(t, `has error`, true, job.HasError())
}

func TestEndpointWorkerSuccessPath(t *testing.T) {
	var plugin = newFakePlugin()
	plugin.handlers[`run`] = func(job *Job) error {
		job.AddResult(`did the thing`)
		return nil
	}
	var ep = NewEndpoint(`ep`, plugin)
	var w = NewEndpointWorker(ep)
	ep.worker = w

	var job = NewJob(`ep`, `1`, `run`, &Request{})
	ep.Queue.Enqueue(job)

	go w.Start()
	defer w.Stop()

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal(`job never completed`)
	}

	test.Assert(t, `status`, JobStatusComplete, job.Status)
	test.Assert(t, `return code`, 0, *job.ReturnCode)
	test.Assert(t, `has error`, false, job.HasError())
}

func TestEndpointWorkerHandlerErrorPath(t *testing.T) {
	var plugin = newFakePlugin()
	plugin.handlers[`run`] = func(job *Job) error {
		return ErrTargetFailed(3, `boom`)
	}
	var ep = NewEndpoint(`ep`, plugin)
	var w = NewEndpointWorker(ep)
	ep.worker = w

	var job = NewJob(`ep`, `1`, `run`, &Request{})
	ep.Queue.Enqueue(job)

	go w.Start()
	defer w.Stop()

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal(`job never completed`)
	}

	test.Assert(t, `status`, JobStatusComplete, job.Status)
	test.Assert(t, `return code carries handler error code`, 3, *job.ReturnCode)
	test.Assert(t, `has error`, true, job.HasError())
}

func TestEndpointWorkerStopAfterCurrentJob(t *testing.T) {
	var plugin = newFakePlugin()
	var started = make(chan struct{})
	var release = make(chan struct{})
	plugin.handlers[`run`] = func(job *Job) error {
		close(started)
		<-release
		return nil
	}
	var ep = NewEndpoint(`ep`, plugin)
	var w = NewEndpointWorker(ep)
	ep.worker = w

	var job = NewJob(`ep`, `1`, `run`, &Request{})
	ep.Queue.Enqueue(job)

	var loopExited = make(chan struct{})
	go func() {
		w.Start()
		close(loopExited)
	}()

	<-started
	w.Stop()
	close(release)

	select {
	case <-loopExited:
	case <-time.After(time.Second):
		t.Fatal(`worker loop did not exit after Stop`)
	}

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal(`in-flight job never finished`)
	}
}
