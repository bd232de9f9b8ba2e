// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"fmt"

	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"
)

// EndpointWorker is the single goroutine that owns one endpoint's
// EndpointQueue: it dequeues Jobs, invokes the plugin method (the
// plugin's handler checks the caller against the endpoint's users
// allowlist), and finalizes the Job (spec.md §4.4).
type EndpointWorker struct {
	endpoint *Endpoint
	stopq    chan struct{}
}

// NewEndpointWorker creates a worker bound to endpoint; call Start to
// run its loop.
func NewEndpointWorker(ep *Endpoint) *EndpointWorker {
	return &EndpointWorker{
		endpoint: ep,
		stopq:    make(chan struct{}),
	}
}

// Start runs the dequeue loop until Stop is called. Intended to be
// invoked with "go worker.Start()". The worker never exits on a Job
// error (spec.md §7 "Worker never exits on error").
func (w *EndpointWorker) Start() {
	for {
		job, ok := w.endpoint.Queue.Dequeue()
		if !ok {
			return
		}
		select {
		case <-w.stopq:
			return
		default:
		}
		w.process(job)
	}
}

// Stop signals the worker loop to exit after its current Job (graceful
// shutdown, spec.md §5).
func (w *EndpointWorker) Stop() {
	close(w.stopq)
	w.endpoint.Queue.Close()
}

func (w *EndpointWorker) process(job *Job) {
	var plugin = w.endpoint.Plugin

	defer func() {
		plugin.Terminate(job)
		if w.endpoint.notifier != nil {
			w.endpoint.notifier.notify(job)
		}
	}()

	job.StartProcessing()

	handler, ok := plugin.Handlers()[job.Method]
	if !ok {
		mlog.Errf(`worker %s: unknown method %q`, w.endpoint.Name, job.Method)
		job.AddError(fmt.Sprintf("ERROR: unknown method %q\n", job.Method))
		job.Finish(intPtr(errorCode(ErrUnknownMethod(job.Method))))
		return
	}

	var err = handler(job)
	if err != nil {
		job.AddError(fmt.Sprintf("ERROR: %s\n", err.Error()))
		var code = errorCode(err)
		if code == 0 {
			job.Finish(nil)
			return
		}
		job.Finish(&code)
		return
	}

	var zero = 0
	job.Finish(&zero)
}

func intPtr(v int) *int { return &v }
