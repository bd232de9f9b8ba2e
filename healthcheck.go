// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"net/http"
	"sync"
	"time"

	"git.sr.ht/~shulhan/pakakeh.go/lib/clise"
	libhttp "git.sr.ht/~shulhan/pakakeh.go/lib/http"
	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"
	libtime "git.sr.ht/~shulhan/pakakeh.go/lib/time"
)

const healthLogSize = 20

// HealthCheckConfig configures the optional periodic HTTP probe of an
// endpoint's target (SPEC_FULL.md §12). Independent of Job dispatch:
// it never touches the endpoint's EndpointQueue or JobRegistry.
type HealthCheckConfig struct {
	URL      string
	Interval time.Duration
	Schedule string // calendar schedule, see lib/time.Scheduler; takes precedence over Interval
}

// healthCheck periodically probes URL, mirrors every result line into a
// clise-backed log cache the way job_http.go's clog does, and keeps its
// own small bounded slice of recent results for the read API (clise
// only exposes io.Writer, not a way to read entries back out).
type healthCheck struct {
	name      string
	cfg       HealthCheckConfig
	httpc     *libhttp.Client
	scheduler *libtime.Scheduler
	clog      *clise.Clise

	mu     sync.Mutex
	recent []string

	stopq chan struct{}
}

func newHealthCheck(name string, cfg HealthCheckConfig) (*healthCheck, error) {
	if cfg.URL == `` {
		return nil, ErrConfiguration(`healthcheck: url is required`)
	}
	var hc = &healthCheck{
		name:  name,
		cfg:   cfg,
		httpc: libhttp.NewClient(&libhttp.ClientOptions{ServerUrl: cfg.URL}),
		clog:  clise.New(healthLogSize),
		stopq: make(chan struct{}),
	}
	if cfg.Schedule != `` {
		var sch, err = libtime.NewScheduler(cfg.Schedule)
		if err != nil {
			return nil, ErrConfiguration(`healthcheck: invalid schedule: ` + err.Error())
		}
		hc.scheduler = sch
	}
	return hc, nil
}

func (hc *healthCheck) run() {
	if hc.scheduler != nil {
		hc.runScheduler()
		return
	}
	hc.runInterval()
}

func (hc *healthCheck) runScheduler() {
	for {
		select {
		case <-hc.scheduler.C:
			hc.probe()
		case <-hc.stopq:
			return
		}
	}
}

func (hc *healthCheck) runInterval() {
	var interval = hc.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.stopq:
			return
		}
	}
}

func (hc *healthCheck) probe() {
	var now = time.Now().UTC().Round(time.Second)

	req, err := hc.httpc.GenerateHttpRequest(libhttp.RequestMethodGet, ``, libhttp.RequestTypeNone, nil, nil)
	if err != nil {
		hc.record(now, err.Error())
		return
	}

	resp, _, err := hc.httpc.Do(req)
	if err != nil {
		mlog.Errf(`healthcheck %s: %s`, hc.name, err)
		hc.record(now, err.Error())
		return
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		hc.record(now, resp.Status)
		return
	}
	hc.record(now, `ok`)
}

func (hc *healthCheck) record(now time.Time, result string) {
	var line = now.Format(timeLayout) + ` ` + hc.name + `: ` + result
	_, _ = hc.clog.Write([]byte(line + "\n"))

	hc.mu.Lock()
	hc.recent = append(hc.recent, line)
	if len(hc.recent) > healthLogSize {
		hc.recent = hc.recent[len(hc.recent)-healthLogSize:]
	}
	hc.mu.Unlock()
}

// Snapshot returns the recent probe results, surfaced by ControlAPI at
// GET /auton/api/endpoint/health.
func (hc *healthCheck) Snapshot() []any {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	var out = make([]any, len(hc.recent))
	for i, l := range hc.recent {
		out[i] = l
	}
	return out
}

func (hc *healthCheck) stop() {
	close(hc.stopq)
}
