// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

// Handler executes one Job method invocation against a plugin's target.
// Implementations append to job.Result/job.Errors via Job.AddResult and
// Job.AddError and return the final error, if any.
type Handler func(job *Job) error

// Plugin is the behavior shared by every endpoint of one kind
// (subprocess or outbound HTTP). REDESIGN FLAGS §9 replaces the
// source's "do_<method>" reflection with an explicit map built once at
// construction; an EndpointWorker looks methods up by name and treats a
// miss as a terminating error instead of silently looping.
type Plugin interface {
	// Handlers returns the method name -> Handler table this plugin
	// supports, e.g. {"run": p.run} or {"deploy": p.deploy}.
	Handlers() map[string]Handler

	// Terminate runs teardown after every Job, regardless of outcome
	// (e.g. SubprocPlugin's temp-directory cleanup). It must never
	// panic and should log rather than fail loudly.
	Terminate(job *Job)
}

// pluginBase centralizes the optional users allowlist and credentials
// shared by both plugin kinds, mirroring AutonPlugBase's "users"/
// "credentials"/"target" fields in original_source/auton/classes/plugins.py.
type pluginBase struct {
	Users       map[string]bool
	Credentials *Credentials
}

// Credentials is a simple username/password pair used for outbound
// Basic auth (HttpPlugin) — credential storage itself is external,
// per spec.md §1 ("credential stores" are an external collaborator);
// this only carries the resolved pair through to the plugin.
type Credentials struct {
	Username string
	Password string
}

// authorize enforces the endpoint's users allowlist, if configured
// (spec.md §4.4 step 2).
func (b *pluginBase) authorize(authUser string) error {
	if len(b.Users) == 0 {
		return nil
	}
	if authUser == `` || !b.Users[authUser] {
		return ErrTargetUnauthorized(authUser)
	}
	return nil
}
