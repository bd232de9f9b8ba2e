// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

// Endpoint is a named, configured instance of a plugin. One queue and
// one worker per endpoint, registered once at startup and never
// changing identity afterward (spec.md §3 Glossary).
type Endpoint struct {
	Name      string
	Plugin    Plugin
	Queue     *EndpointQueue
	Enabled   bool
	Autostart bool
	Secret    string // optional webhook signature secret, SPEC_FULL.md §12

	worker   *EndpointWorker
	notifier *notifier
	health   *healthCheck
}

// NewEndpoint wires a Plugin into a runnable Endpoint.
func NewEndpoint(name string, plugin Plugin) *Endpoint {
	return &Endpoint{
		Name:      name,
		Plugin:    plugin,
		Queue:     NewEndpointQueue(),
		Enabled:   true,
		Autostart: true,
	}
}

// Start launches the endpoint's worker goroutine if Enabled and
// Autostart (spec.md §4.4).
func (ep *Endpoint) Start() {
	if !ep.Enabled || !ep.Autostart {
		return
	}
	ep.worker = NewEndpointWorker(ep)
	go ep.worker.Start()
	if ep.health != nil {
		go ep.health.run()
	}
}

// Stop signals the endpoint's worker and health check to exit
// (spec.md §5 "Graceful shutdown").
func (ep *Endpoint) Stop() {
	if ep.worker != nil {
		ep.worker.Stop()
	}
	if ep.health != nil {
		ep.health.stop()
	}
}
