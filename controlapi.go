// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	liberrors "git.sr.ht/~shulhan/pakakeh.go/lib/errors"
	libhttp "git.sr.ht/~shulhan/pakakeh.go/lib/http"
	"github.com/go-playground/validator/v10"
)

// List of control API paths (spec.md §6).
const (
	apiJobRun    = `/auton/api/job/run`
	apiJobStatus = `/auton/api/job/status`
	apiEptHealth = `/auton/api/endpoint/health`
)

const (
	paramNameEndpoint = `endpoint`
	paramNameID       = `id`
)

var envKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

var payloadValidate = validator.New()

// RunPayload is the JSON body of POST /auton/api/job/run (spec.md §6).
type RunPayload struct {
	Env      map[string]string `json:"env,omitempty" validate:"max=64"`
	EnvFiles []string          `json:"envfiles,omitempty" validate:"max=64"`
	Args     []string          `json:"args,omitempty" validate:"max=64"`
	ArgFiles []JobArgFile      `json:"argfiles,omitempty" validate:"max=64"`
}

// validate checks RunPayload against the fixed schema in spec.md §6,
// rejecting with a 415-mapped error on shape violations.
func (p *RunPayload) validate() error {
	if err := payloadValidate.Struct(p); err != nil {
		return &liberrors.E{Code: http.StatusUnsupportedMediaType, Name: `ERR_PAYLOAD_SCHEMA`, Message: err.Error()}
	}
	for k := range p.Env {
		if !envKeyPattern.MatchString(k) {
			return &liberrors.E{Code: http.StatusUnsupportedMediaType, Name: `ERR_PAYLOAD_SCHEMA`, Message: `invalid env key: ` + k}
		}
	}
	return nil
}

// runResponse is the JSON shape returned by both run and status
// (spec.md §4.5 "Response body").
type runResponse struct {
	Code       int       `json:"code"`
	UID        string    `json:"uid"`
	Status     JobStatus `json:"status"`
	ReturnCode *int      `json:"return_code"`
	StartedAt  string    `json:"started_at,omitempty"`
	EndedAt    string    `json:"ended_at,omitempty"`
	Stream     []string  `json:"stream,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
}

func snapshotToResponse(snap jobSnapshot) *runResponse {
	var resp = &runResponse{
		Code:       http.StatusOK,
		UID:        snap.UID,
		Status:     snap.Status,
		ReturnCode: snap.ReturnCode,
		Stream:     snap.Stream,
	}
	if !snap.StartedAt.IsZero() {
		resp.StartedAt = snap.StartedAt.Format(timeLayout)
	}
	if !snap.EndedAt.IsZero() {
		resp.EndedAt = snap.EndedAt.Format(timeLayout)
	}
	if snap.HasError {
		resp.Errors = snap.Errors
		resp.Code = http.StatusBadRequest
	}
	return resp
}

const timeLayout = `2006-01-02 15:04:05 MST`

// ControlAPI exposes the run/status HTTP handlers over a JobRegistry
// and a set of named Endpoints (spec.md §4.5).
type ControlAPI struct {
	registry  *JobRegistry
	endpoints map[string]*Endpoint
}

// NewControlAPI wires a ControlAPI against the given registry and
// endpoints, and registers its routes on httpd.
func NewControlAPI(httpd *libhttp.Server, registry *JobRegistry, endpoints map[string]*Endpoint) (*ControlAPI, error) {
	var api = &ControlAPI{registry: registry, endpoints: endpoints}

	var err = httpd.RegisterEndpoint(&libhttp.Endpoint{
		Method:       libhttp.RequestMethodPost,
		Path:         apiJobRun,
		RequestType:  libhttp.RequestTypeJSON,
		ResponseType: libhttp.ResponseTypeJSON,
		Call:         api.run,
	})
	if err != nil {
		return nil, fmt.Errorf(`NewControlAPI: %w`, err)
	}

	err = httpd.RegisterEndpoint(&libhttp.Endpoint{
		Method:       libhttp.RequestMethodGet,
		Path:         apiJobStatus,
		RequestType:  libhttp.RequestTypeQuery,
		ResponseType: libhttp.ResponseTypeJSON,
		Call:         api.status,
	})
	if err != nil {
		return nil, fmt.Errorf(`NewControlAPI: %w`, err)
	}

	err = httpd.RegisterEndpoint(&libhttp.Endpoint{
		Method:       libhttp.RequestMethodGet,
		Path:         apiEptHealth,
		RequestType:  libhttp.RequestTypeQuery,
		ResponseType: libhttp.ResponseTypeJSON,
		Call:         api.health,
	})
	if err != nil {
		return nil, fmt.Errorf(`NewControlAPI: %w`, err)
	}

	return api, nil
}

// run handles POST /auton/api/job/run (spec.md §4.5).
func (api *ControlAPI) run(epr *libhttp.EndpointRequest) ([]byte, error) {
	var name = epr.HttpRequest.URL.Query().Get(paramNameEndpoint)
	var id = epr.HttpRequest.URL.Query().Get(paramNameID)
	if name == `` || id == `` {
		return nil, errBadRequest(`endpoint and id are required`)
	}

	var ep = api.endpoints[name]
	if ep == nil {
		return nil, &errUnknownEndpoint
	}

	if ep.Secret != `` {
		var gotSign = epr.HttpRequest.Header.Get(HeaderNameXAutonSign)
		if !verifySign(epr.RequestBody, []byte(ep.Secret), gotSign) {
			return nil, ErrTargetUnauthorized(`invalid signature`)
		}
	}

	var payload RunPayload
	if len(epr.RequestBody) > 0 {
		if err := json.Unmarshal(epr.RequestBody, &payload); err != nil {
			return nil, errBadRequest(`malformed JSON body`)
		}
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}

	var req = &Request{
		Method:      epr.HttpRequest.Method,
		Path:        epr.HttpRequest.URL.Path,
		Header:      epr.HttpRequest.Header,
		QueryParams: epr.HttpRequest.URL.Query(),
		Payload:     epr.RequestBody,
		AuthUser:    epr.HttpRequest.Header.Get(`X-Auth-User`),
		Args:        payload.Args,
		Env:         payload.Env,
		EnvFiles:    payload.EnvFiles,
		ArgFiles:    payload.ArgFiles,
	}

	var method = epr.HttpRequest.URL.Query().Get(`method`)
	if method == `` {
		method = `run`
	}

	var job = NewJob(name, id, method, req)

	if err := api.registry.Insert(job); err != nil {
		return nil, err
	}
	ep.Queue.Enqueue(job)

	var resp = snapshotToResponse(job.snapshot(false))
	return json.Marshal(resp)
}

// status handles GET /auton/api/job/status (spec.md §4.5): an atomic
// Take removes the Job once it observes "complete" (see registry.go
// and DESIGN.md's Open Question decision).
func (api *ControlAPI) status(epr *libhttp.EndpointRequest) ([]byte, error) {
	var name = epr.HttpRequest.URL.Query().Get(paramNameEndpoint)
	var id = epr.HttpRequest.URL.Query().Get(paramNameID)
	if name == `` || id == `` {
		return nil, errBadRequest(`endpoint and id are required`)
	}

	var uid = name + `:` + id

	job, err := api.registry.Take(uid)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &errJobNotFound
	}

	var resp = snapshotToResponse(job.snapshot(true))
	return json.Marshal(resp)
}

// health handles GET /auton/api/endpoint/health (SPEC_FULL.md §12).
func (api *ControlAPI) health(epr *libhttp.EndpointRequest) ([]byte, error) {
	var name = epr.HttpRequest.URL.Query().Get(paramNameEndpoint)
	var ep = api.endpoints[name]
	if ep == nil {
		return nil, &errUnknownEndpoint
	}
	if ep.health == nil {
		return json.Marshal(map[string]any{`code`: http.StatusOK, `data`: []any{}})
	}
	return json.Marshal(map[string]any{`code`: http.StatusOK, `data`: ep.health.Snapshot()})
}
