// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	defListenAddress = `127.0.0.1:31937`
	defLockTimeout   = 5 * time.Second
)

// GeneralConfig is the daemon-wide "general" YAML section (spec.md §6).
type GeneralConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
}

// CredentialsConfig mirrors Credentials for YAML decoding. Loading the
// actual secret material from a credential store is external to this
// spec (spec.md §1); this only carries the resolved pair.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EndpointConfig is one entry of the "endpoints" YAML section
// (spec.md §6). Plugin selects which of Subproc/Http is built; the
// matching nested config section is required.
type EndpointConfig struct {
	Plugin      string             `yaml:"plugin"`
	Enabled     *bool              `yaml:"enabled"`
	Autostart   *bool              `yaml:"autostart"`
	Users       []string           `yaml:"users"`
	Credentials *CredentialsConfig `yaml:"credentials"`
	Secret      string             `yaml:"secret"`

	Subproc *SubprocPluginConfig `yaml:"subproc"`
	Http    *HttpPluginConfig    `yaml:"http"`

	Health   *HealthCheckConfig `yaml:"health"`
	Notifier *NotifierConfig    `yaml:"notifier"`
}

// Env is the top-level daemon configuration, loaded from a single YAML
// file (spec.md §6 "Config file"). Import/templating of nested files
// (import_vars/import_config/import_users, Mako templating) is the
// "plugin/module auto-loader" concern spec.md §1 lists as an external
// collaborator — the core here only consumes the fully-resolved result.
type Env struct {
	General   GeneralConfig             `yaml:"general"`
	Modules   []string                  `yaml:"modules"`
	Endpoints map[string]*EndpointConfig `yaml:"endpoints"`
}

// LoadEnv reads and parses the YAML configuration file at path.
func LoadEnv(path string) (*Env, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(`LoadEnv: %w`, err)
	}
	return ParseEnv(raw)
}

// ParseEnv parses raw YAML bytes into an Env and applies defaults.
func ParseEnv(raw []byte) (*Env, error) {
	var env = &Env{}
	if err := yaml.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf(`ParseEnv: %w`, err)
	}
	env.init()
	return env, nil
}

func (env *Env) init() {
	if env.General.ListenAddress == `` {
		env.General.ListenAddress = defListenAddress
	}
	if env.General.LockTimeout <= 0 {
		env.General.LockTimeout = defLockTimeout
	}
}

// BuildEndpoints constructs runnable Endpoint values for every entry in
// env.Endpoints. A per-endpoint ConfigurationError aborts only that
// endpoint, never the whole daemon (spec.md §7).
func (env *Env) BuildEndpoints() (map[string]*Endpoint, []error) {
	var endpoints = make(map[string]*Endpoint, len(env.Endpoints))
	var errs []error

	for name, cfg := range env.Endpoints {
		var ep, err = buildEndpoint(name, cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf(`endpoint %s: %w`, name, err))
			continue
		}
		endpoints[name] = ep
	}
	return endpoints, errs
}

func buildEndpoint(name string, cfg *EndpointConfig) (*Endpoint, error) {
	var base = pluginBase{}
	if len(cfg.Users) > 0 {
		base.Users = make(map[string]bool, len(cfg.Users))
		for _, u := range cfg.Users {
			base.Users[u] = true
		}
	}
	if cfg.Credentials != nil {
		base.Credentials = &Credentials{
			Username: cfg.Credentials.Username,
			Password: cfg.Credentials.Password,
		}
	}

	var plugin Plugin
	var err error

	switch cfg.Plugin {
	case `subproc`:
		if cfg.Subproc == nil {
			return nil, ErrConfiguration(`missing subproc config`)
		}
		plugin, err = NewSubprocPlugin(*cfg.Subproc, base)
	case `http`:
		if cfg.Http == nil {
			return nil, ErrConfiguration(`missing http config`)
		}
		plugin, err = NewHttpPlugin(*cfg.Http, base)
	default:
		return nil, ErrConfiguration(`unknown plugin kind: ` + cfg.Plugin)
	}
	if err != nil {
		return nil, err
	}

	var ep = NewEndpoint(name, plugin)
	ep.Secret = cfg.Secret
	if cfg.Enabled != nil {
		ep.Enabled = *cfg.Enabled
	}
	if cfg.Autostart != nil {
		ep.Autostart = *cfg.Autostart
	}

	if cfg.Notifier != nil {
		var n, err = newNotifier(*cfg.Notifier)
		if err != nil {
			return nil, err
		}
		ep.notifier = n
	}

	if cfg.Health != nil {
		var hc, err = newHealthCheck(name, *cfg.Health)
		if err != nil {
			return nil, err
		}
		ep.health = hc
	}

	return ep, nil
}
