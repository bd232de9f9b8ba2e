// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

func TestNewHttpPluginRequiresURL(t *testing.T) {
	var _, err = NewHttpPlugin(HttpPluginConfig{}, pluginBase{})
	test.Assert(t, `missing url is rejected`, true, err != nil)
}

func TestNewHttpPluginRejectsUnknownMethod(t *testing.T) {
	var _, err = NewHttpPlugin(HttpPluginConfig{URL: `http://example.test`, Method: `trace`}, pluginBase{})
	test.Assert(t, `unknown method is rejected`, true, err != nil)
}

func TestHttpPluginHandlersHasDeploy(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{URL: `http://example.test`}, pluginBase{})
	var handlers = p.Handlers()
	var _, ok = handlers[`deploy`]
	test.Assert(t, `has "deploy" handler`, true, ok)
	test.Assert(t, `handler count`, 1, len(handlers))
}

func TestBasicAuthHeader(t *testing.T) {
	var got = basicAuthHeader(`user`, `pass`)
	test.Assert(t, `basic auth header`, `Basic dXNlcjpwYXNz`, got)
}

func TestHttpPluginBuildPathLiteralOverride(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{URL: `http://example.test`, Path: `/v2/deploy`}, pluginBase{})
	var path, err = p.buildPath(`/v1/inbound`)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `path override`, `/v2/deploy`, path)
}

func TestHttpPluginBuildPathRegexTransform(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{
		URL:       `http://example.test`,
		PathRegex: &RegexSpec{Pattern: `^/v1/`, Repl: `/v2/`, Func: `sub`},
	}, pluginBase{})
	var path, err = p.buildPath(`/v1/inbound`)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `path regex transform`, `/v2/inbound`, path)
}

func TestHttpPluginBuildPathFallsBackToInbound(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{URL: `http://example.test`}, pluginBase{})
	var path, err = p.buildPath(`/v1/inbound`)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `unmodified inbound path`, `/v1/inbound`, path)
}

func TestHttpPluginBuildHeadersDropsContentLengthAndLowercases(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{
		URL:     `http://example.test`,
		Headers: []Entry{{Name: `+ x-forwarded`, Value: `auton`}},
	}, pluginBase{})
	var job = NewJob(`ep`, `1`, `deploy`, &Request{
		Header: map[string][]string{
			`Content-Length`: {`42`},
			`X-Source`:       {`inbound`},
		},
	})

	var headers, err = p.buildHeaders(job)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `content-length stripped`, ``, headers.Get(`Content-Length`))
	test.Assert(t, `inbound header lowercased and kept`, `inbound`, headers.Get(`x-source`))
	test.Assert(t, `composed header added`, `auton`, headers.Get(`x-forwarded`))
}

func TestHttpPluginBuildParamsComposesOverInboundQuery(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{
		URL:    `http://example.test`,
		Params: []Entry{{Name: `+ token`, Value: `secret`}},
	}, pluginBase{})
	var job = NewJob(`ep`, `1`, `deploy`, &Request{
		QueryParams: map[string][]string{`limit`: {`10`}},
	})

	var params, err = p.buildParams(job)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `inbound param preserved`, `10`, params[`limit`])
	test.Assert(t, `composed param added`, `secret`, params[`token`])
}

func TestHttpPluginDeployRejectsUnauthorizedUser(t *testing.T) {
	var p, _ = NewHttpPlugin(HttpPluginConfig{URL: `http://example.test`}, pluginBase{
		Users: map[string]bool{`alice`: true},
	})
	var job = NewJob(`ep`, `1`, `deploy`, &Request{AuthUser: `mallory`})

	var err = p.deploy(job)
	test.Assert(t, `unauthorized user rejected`, true, err != nil)
}

func TestHttpPluginDeploySendsRequestAndStoresResponseBody(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc(`/`, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	})
	var srv = httptest.NewServer(mux)
	defer srv.Close()

	var p, _ = NewHttpPlugin(HttpPluginConfig{URL: srv.URL, Method: `get`}, pluginBase{})
	var job = NewJob(`ep`, `1`, `deploy`, &Request{Method: `GET`, Path: `/`})

	var err = p.deploy(job)
	test.Assert(t, `err`, error(nil), err)
	test.Assert(t, `result recorded`, []string{`ok`}, job.LastResult())
}
