// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	libhttp "git.sr.ht/~shulhan/pakakeh.go/lib/http"
)

func basicAuthHeader(user, pass string) string {
	return `Basic ` + base64.StdEncoding.EncodeToString([]byte(user+`:`+pass))
}

var allowedHTTPMethods = map[string]libhttp.RequestMethod{
	`delete`: libhttp.RequestMethodDelete,
	`get`:    libhttp.RequestMethodGet,
	`head`:   libhttp.RequestMethodHead,
	`patch`:  libhttp.RequestMethodPatch,
	`post`:   libhttp.RequestMethodPost,
	`put`:    libhttp.RequestMethodPut,
}

// HttpPluginConfig is the static, per-endpoint configuration of an
// HttpPlugin target (spec.md §4.3).
type HttpPluginConfig struct {
	URL           string
	Method        string
	Path          string
	PathRegex     *RegexSpec
	Headers       []Entry
	Params        []Entry
	RemovePayload bool
}

// HttpPlugin translates an inbound Job request into an outbound HTTP
// call and stores the response body as the Job result.
type HttpPlugin struct {
	pluginBase

	cfg   HttpPluginConfig
	httpc *libhttp.Client
}

// NewHttpPlugin validates cfg and returns a ready HttpPlugin.
func NewHttpPlugin(cfg HttpPluginConfig, base pluginBase) (*HttpPlugin, error) {
	if cfg.URL == `` {
		return nil, ErrConfiguration(`http: url is required`)
	}
	if cfg.Method != `` {
		if _, ok := allowedHTTPMethods[strings.ToLower(cfg.Method)]; !ok {
			return nil, ErrConfiguration(`http: invalid method: ` + cfg.Method)
		}
	}
	var httpc = libhttp.NewClient(&libhttp.ClientOptions{ServerUrl: cfg.URL})
	return &HttpPlugin{pluginBase: base, cfg: cfg, httpc: httpc}, nil
}

// Handlers implements Plugin.
func (p *HttpPlugin) Handlers() map[string]Handler {
	return map[string]Handler{
		`deploy`: p.deploy,
	}
}

// Terminate implements Plugin; HttpPlugin holds no per-Job resources.
func (p *HttpPlugin) Terminate(job *Job) {}

// deploy performs the outbound call and stores the response body as the
// Job's result (spec.md §4.3).
func (p *HttpPlugin) deploy(job *Job) error {
	if err := p.authorize(job.Request.AuthUser); err != nil {
		return err
	}

	var method = strings.ToLower(p.cfg.Method)
	if method == `` {
		method = strings.ToLower(job.Request.Method)
	}
	var reqMethod, ok = allowedHTTPMethods[method]
	if !ok {
		return ErrConfiguration(`http: invalid http method: ` + method)
	}

	path, err := p.buildPath(job.Request.Path)
	if err != nil {
		return err
	}

	headers, err := p.buildHeaders(job)
	if err != nil {
		return err
	}
	params, err := p.buildParams(job)
	if err != nil {
		return err
	}

	if p.Credentials != nil {
		headers.Set(`Authorization`, basicAuthHeader(p.Credentials.Username, p.Credentials.Password))
	}

	var body any = params
	if !p.cfg.RemovePayload && len(job.Request.Payload) > 0 {
		body = job.Request.Payload
	}

	httpReq, err := p.httpc.GenerateHttpRequest(reqMethod, path, libhttp.RequestTypeQuery, headers, body)
	if err != nil {
		return ErrTargetFailed(0, err.Error())
	}

	resp, respBody, err := p.httpc.Do(httpReq)
	if err != nil {
		return ErrTargetFailed(0, err.Error())
	}
	defer closeBody(resp)

	job.AddResult(string(respBody))
	return nil
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

// buildPath resolves cfg.Path against the inbound path: a literal
// override, or a "~"-style regex transform (spec.md §4.3).
func (p *HttpPlugin) buildPath(inbound string) (string, error) {
	if p.cfg.PathRegex != nil {
		return applyRegex(*p.cfg.PathRegex, inbound)
	}
	if p.cfg.Path != `` {
		return p.cfg.Path, nil
	}
	return inbound, nil
}

// buildHeaders strips Content-Length and lowercases keys from the
// inbound headers, then applies the modifier-DSL Headers list
// (spec.md §4.3).
func (p *HttpPlugin) buildHeaders(job *Job) (http.Header, error) {
	var xdict = make(map[string]string)
	for k, vs := range job.Request.Header {
		var lk = strings.ToLower(k)
		if lk == `content-length` {
			continue
		}
		if len(vs) > 0 {
			xdict[lk] = vs[0]
		}
	}

	var merged, err = Compose(`header`, p.cfg.Headers, xdict, job.Vars, xdict)
	if err != nil {
		return nil, err
	}

	var h = make(http.Header, len(merged))
	for k, v := range merged {
		h.Set(k, v)
	}
	return h, nil
}

// buildParams applies the modifier-DSL Params list over the inbound
// query params (spec.md §4.3).
func (p *HttpPlugin) buildParams(job *Job) (map[string]string, error) {
	var xdict = make(map[string]string)
	for k, vs := range job.Request.QueryParams {
		if len(vs) > 0 {
			xdict[k] = vs[0]
		}
	}
	return Compose(`params`, p.cfg.Params, xdict, job.Vars, xdict)
}
