// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
)

// DefaultSubprocTimeout is applied when a SubprocPlugin target doesn't
// set Timeout (spec.md §4.2).
const DefaultSubprocTimeout = 60 * time.Second

// subprocPollInterval bounds the supervisor's wait loop so it never
// pegs a core busy-polling proc.Wait; REDESIGN FLAGS §9.
const subprocPollInterval = 75 * time.Millisecond

// BecomeConfig is the privilege-escalation prefix configuration
// (spec.md §4.2, Glossary "Become").
type BecomeConfig struct {
	Enabled bool
	Method  string
	User    string
}

var defaultBecomeOpts = map[string][]string{
	`sudo`: {`-H`, `-E`},
}

// argvPrefix builds the become argv prefix that precedes prog.
func (b BecomeConfig) argvPrefix() []string {
	if !b.Enabled {
		return nil
	}
	var method = b.Method
	if method == `` {
		method = `sudo`
	}
	var prefix = []string{method}
	prefix = append(prefix, defaultBecomeOpts[method]...)
	var user = b.User
	if user == `` {
		user = `root`
	}
	prefix = append(prefix, `-u`, user)
	return prefix
}

// ConfigArgFile is a static {arg, filepath} entry from target config
// (spec.md §4.2), distinct from the payload's base64 JobArgFile.
type ConfigArgFile struct {
	Arg      string
	Filepath string
}

// SubprocPluginConfig is the static, per-endpoint configuration of a
// SubprocPlugin target (spec.md §4.2).
type SubprocPluginConfig struct {
	Prog        string
	CommandLine string // supplement, see SPEC_FULL.md §12; mutually exclusive with Prog+Args
	Args        []string
	ArgFiles    []ConfigArgFile
	Env         []Entry // modifier-DSL entries, run through ParamComposer (spec.md §4.2)
	EnvFiles    []string
	Workdir     string
	Timeout     time.Duration
	SearchPaths []string
	Become      BecomeConfig

	DisallowArgs     bool
	DisallowArgFiles bool
	DisallowEnv      bool
	DisallowEnvFiles bool
}

// SubprocPlugin launches a child process per Job, streams its
// stdout/stderr into the Job, enforces a timeout, and cleans up the
// temp directories it creates for payload argfiles.
type SubprocPlugin struct {
	pluginBase

	cfg SubprocPluginConfig

	mu      sync.Mutex
	tmpdirs map[string][]string // job UID -> tmpdirs to remove on Terminate
}

// NewSubprocPlugin validates cfg and returns a ready SubprocPlugin.
func NewSubprocPlugin(cfg SubprocPluginConfig, base pluginBase) (*SubprocPlugin, error) {
	if cfg.Prog == `` && cfg.CommandLine == `` {
		return nil, ErrConfiguration(`subproc: one of prog or commandline is required`)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSubprocTimeout
	}
	return &SubprocPlugin{
		pluginBase: base,
		cfg:        cfg,
		tmpdirs:    make(map[string][]string),
	}, nil
}

// Handlers implements Plugin.
func (p *SubprocPlugin) Handlers() map[string]Handler {
	return map[string]Handler{
		`run`: p.run,
	}
}

// Terminate implements Plugin: recursively removes every temp directory
// created for job's payload argfiles (do_terminate in the source).
func (p *SubprocPlugin) Terminate(job *Job) {
	p.mu.Lock()
	var dirs = p.tmpdirs[job.UID]
	delete(p.tmpdirs, job.UID)
	p.mu.Unlock()

	for _, d := range dirs {
		_ = os.RemoveAll(d)
	}
}

func (p *SubprocPlugin) recordTmpdir(job *Job, dir string) {
	p.mu.Lock()
	p.tmpdirs[job.UID] = append(p.tmpdirs[job.UID], dir)
	p.mu.Unlock()
}

// run is the "run" method handler: compose argv/env, spawn the child,
// stream its output into job, and enforce the configured timeout
// (spec.md §4.2 "Execution").
func (p *SubprocPlugin) run(job *Job) error {
	if err := p.authorize(job.Request.AuthUser); err != nil {
		return err
	}

	argv, err := p.buildArgv(job)
	if err != nil {
		return err
	}

	env, err := p.buildEnv(job)
	if err != nil {
		return err
	}

	var cmd *exec.Cmd
	if len(argv) == 0 {
		return ErrConfiguration(`subproc: empty argv`)
	}
	cmd = exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	if p.cfg.Workdir != `` {
		cmd.Dir = p.cfg.Workdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ErrTargetFailed(0, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ErrTargetFailed(0, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return ErrTargetFailed(0, err.Error())
	}

	var pumpDone sync.WaitGroup
	pumpDone.Add(2)
	go pumpLines(stdout, job.AddResult, &pumpDone)
	go pumpLines(stderr, job.AddError, &pumpDone)

	waitDone := make(chan error, 1)
	go func() {
		// Wait closes the pipes, so let the pumps reach EOF first.
		pumpDone.Wait()
		waitDone <- cmd.Wait()
	}()

	var deadline = time.Now().Add(p.cfg.Timeout)
	var ticker = time.NewTicker(subprocPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitDone:
			pumpDone.Wait()
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return ErrTargetFailed(exitErr.ExitCode(), `target exited non-zero`)
				}
				return ErrTargetFailed(0, err.Error())
			}
			return nil

		case <-ticker.C:
			if time.Now().Before(deadline) {
				continue
			}
			_ = cmd.Process.Kill()
			<-waitDone
			pumpDone.Wait()
			return ErrTargetTimeout(`timeout on target`)
		}
	}
}

func pumpLines(r io.Reader, sink func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	var scanner = bufio.NewScanner(r)
	for scanner.Scan() {
		var line = scanner.Text()
		if line != `` {
			sink(line)
		}
	}
}

// buildArgv composes become + prog + cfg.args + payload.args + argfile
// entries (config then payload), per spec.md §4.2 "Execution".
func (p *SubprocPlugin) buildArgv(job *Job) ([]string, error) {
	var argv = p.cfg.Become.argvPrefix()

	if p.cfg.CommandLine != `` {
		var tmpl = formatTemplate(p.cfg.CommandLine, formatKwargs(`args`, nil, job.Vars))
		var tokens, err = shlex.Split(tmpl)
		if err != nil {
			return nil, ErrConfiguration(`subproc: invalid commandline: ` + err.Error())
		}
		return append(argv, tokens...), nil
	}

	argv = append(argv, p.cfg.Prog)

	for _, a := range p.cfg.Args {
		argv = append(argv, formatTemplate(a, formatKwargs(`args`, nil, job.Vars)))
	}

	if !p.cfg.DisallowArgs {
		for _, a := range job.Request.Args {
			argv = append(argv, formatTemplate(a, formatKwargs(`args`, nil, job.Vars)))
		}
	}

	for _, af := range p.cfg.ArgFiles {
		argv = append(argv, argfileArgv(af.Arg, af.Filepath)...)
	}

	if !p.cfg.DisallowArgFiles && len(job.Request.ArgFiles) > 0 {
		var dir, err = os.MkdirTemp(``, `auton-`)
		if err != nil {
			return nil, ErrTargetFailed(0, err.Error())
		}
		p.recordTmpdir(job, dir)

		for _, af := range job.Request.ArgFiles {
			var path string
			if af.Filename != `` {
				path = filepath.Join(dir, af.Filename)
			} else {
				var f, err = os.CreateTemp(dir, `argfile-`)
				if err != nil {
					return nil, ErrTargetFailed(0, err.Error())
				}
				path = f.Name()
				_ = f.Close()
			}

			var content, err = base64.StdEncoding.DecodeString(af.Content)
			if err != nil {
				return nil, errBadRequest(`argfiles: invalid base64 content`)
			}
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return nil, ErrTargetFailed(0, err.Error())
			}
			argv = append(argv, argfileArgv(af.Arg, path)...)
		}
	}

	return argv, nil
}

// argfileArgv implements the trailing-"@" argfile convention adopted
// per REDESIGN FLAGS §9 (curl's "--data @file" idiom), replacing the
// source's leading-"@" stripping.
func argfileArgv(arg, path string) []string {
	if strings.HasSuffix(arg, `@`) {
		return []string{strings.TrimSuffix(arg, `@`), `@` + path}
	}
	return []string{arg, path}
}

// buildEnv composes the child's environment: payload envfiles, config
// envfiles, and payload env form the base map, then config Env entries
// are applied over it through the ParamComposer so "-"/"~"/"="/"%"
// modifiers are reachable the same way http_plugin.go's buildHeaders/
// buildParams apply theirs (spec.md §4.2 "Build env"; original_source
// /auton/plugins/subproc.py's `_mk_env` -> `_build_params_dict('env', ...)`).
func (p *SubprocPlugin) buildEnv(job *Job) ([]string, error) {
	var merged = make(map[string]string)

	if !p.cfg.DisallowEnvFiles {
		for _, path := range job.Request.EnvFiles {
			var vars, err = godotenv.Read(path)
			if err != nil {
				return nil, ErrConfiguration(`subproc: envfile: ` + err.Error())
			}
			for k, v := range vars {
				merged[k] = v
			}
		}
	}

	for _, path := range p.cfg.EnvFiles {
		var vars, err = godotenv.Read(path)
		if err != nil {
			return nil, ErrConfiguration(`subproc: envfile: ` + err.Error())
		}
		for k, v := range vars {
			merged[k] = v
		}
	}

	if !p.cfg.DisallowEnv {
		for k, v := range job.Request.Env {
			merged[k] = v
		}

		var err error
		merged, err = Compose(`env`, p.cfg.Env, merged, job.Vars, merged)
		if err != nil {
			return nil, err
		}
	}

	if len(p.cfg.SearchPaths) > 0 {
		merged[`PATH`] = strings.Join(p.cfg.SearchPaths, string(os.PathListSeparator))
	}

	merged[`AUTON`] = `true`
	merged[`AUTON_JOB_TIME`] = fmt.Sprintf(`%v`, job.Vars[`_time_`])
	merged[`AUTON_JOB_GMTIME`] = fmt.Sprintf(`%v`, job.Vars[`_gmtime_`])
	merged[`AUTON_JOB_UID`] = fmt.Sprintf(`%v`, job.Vars[`_uid_`])
	merged[`AUTON_JOB_UUID`] = fmt.Sprintf(`%v`, job.Vars[`_uuid_`])

	var out = make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+`=`+v)
	}
	return out, nil
}
