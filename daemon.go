// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package auton implements a daemon that accepts HTTP job requests,
// dispatches each to a named endpoint backed by a typed plugin, and
// streams back captured output, a return code, timestamps, and error
// diagnostics.
package auton

import (
	"fmt"
	"net/http"
	"time"

	libhttp "git.sr.ht/~shulhan/pakakeh.go/lib/http"
	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"
)

// Auton is the root daemon value: it owns the JobRegistry and every
// configured Endpoint, and is passed explicitly to the components that
// need it instead of relying on package-level singletons (REDESIGN
// FLAGS §9 "process-wide registries").
type Auton struct {
	env       *Env
	registry  *JobRegistry
	endpoints map[string]*Endpoint
	httpd     *libhttp.Server
	api       *ControlAPI
}

// New builds an Auton daemon from env. Per-endpoint configuration
// errors are logged and that endpoint is skipped; they never abort
// daemon startup (spec.md §7).
func New(env *Env) (*Auton, error) {
	var a = &Auton{
		env:      env,
		registry: NewJobRegistry(env.General.LockTimeout),
	}

	var errs []error
	a.endpoints, errs = env.BuildEndpoints()
	for _, err := range errs {
		mlog.Errf(`auton: %s`, err)
	}

	var err = a.initHttpd()
	if err != nil {
		return nil, fmt.Errorf(`New: %w`, err)
	}

	return a, nil
}

func (a *Auton) initHttpd() (err error) {
	var serverOpts = &libhttp.ServerOptions{
		Address: a.env.General.ListenAddress,
		Conn: &http.Server{
			ReadTimeout:    10 * time.Minute,
			WriteTimeout:   10 * time.Minute,
			MaxHeaderBytes: 1 << 20,
		},
	}

	a.httpd, err = libhttp.NewServer(serverOpts)
	if err != nil {
		return fmt.Errorf(`initHttpd: %w`, err)
	}

	a.api, err = NewControlAPI(a.httpd, a.registry, a.endpoints)
	if err != nil {
		return fmt.Errorf(`initHttpd: %w`, err)
	}

	return nil
}

// Start runs every endpoint's worker and the HTTP control surface.
// Blocks until Stop is called.
func (a *Auton) Start() error {
	for _, ep := range a.endpoints {
		ep.Start()
	}
	mlog.Outf(`auton: listening on %s`, a.env.General.ListenAddress)
	return a.httpd.Start()
}

// Stop gracefully shuts down every endpoint worker and the HTTP server
// (spec.md §5 "Graceful shutdown"). In-flight Jobs are not guaranteed
// to complete.
func (a *Auton) Stop() error {
	for _, ep := range a.endpoints {
		ep.Stop()
	}
	return a.httpd.Stop(5 * time.Second)
}
