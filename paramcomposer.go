// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Entry is one single-key mapping in a ParamComposer list, e.g.
// {"+ key": "value"} or {"~ key": RegexSpec{...}}. Name carries the raw,
// possibly modifier-prefixed key exactly as written in configuration.
type Entry struct {
	Name  string
	Value any
}

// RegexSpec is the value of a "~" entry: a regex operation spec
// (spec.md §4.1).
type RegexSpec struct {
	Pattern    string
	Flags      []string
	Func       string // one of regexFuncs, default "sub"
	Return     string // optional: "group" only, see ValidateRegexSpec
	ReturnArgs []int
	Default    string
	Repl       string // replacement string, used by "sub"
}

// regexFuncs is the closed set of regex operations ParamComposer's "~"
// modifier may invoke (REDESIGN FLAGS §9: no arbitrary method-name
// reflection, cf. the source's getattr(re, func)).
var regexFuncs = map[string]bool{
	`sub`:     true,
	`match`:   true,
	`search`:  true,
	`findall`: true,
	`split`:   true,
}

// ValidateRegexSpec rejects an unknown func/return at config-load time,
// per REDESIGN FLAGS §9 ("reject unknown func/return values at
// config-load time").
func ValidateRegexSpec(s RegexSpec) error {
	var fn = s.Func
	if fn == `` {
		fn = `sub`
	}
	if !regexFuncs[fn] {
		return ErrConfiguration(fmt.Sprintf(`paramcomposer: unknown regex func %q`, fn))
	}
	if s.Return != `` && s.Return != `group` {
		return ErrConfiguration(fmt.Sprintf(`paramcomposer: unknown regex return %q`, s.Return))
	}
	return nil
}

func compileRegex(pattern string, flags []string) (*regexp.Regexp, error) {
	var prefix string
	for _, f := range flags {
		switch strings.ToUpper(f) {
		case `I`, `IGNORECASE`:
			prefix += `i`
		case `M`, `MULTILINE`:
			prefix += `m`
		case `S`, `DOTALL`:
			prefix += `s`
		}
	}
	if prefix != `` {
		pattern = `(?` + prefix + `)` + pattern
	}
	return regexp.Compile(pattern)
}

// applyRegex applies spec to value, returning the "~" modifier's result.
func applyRegex(spec RegexSpec, value string) (string, error) {
	if err := ValidateRegexSpec(spec); err != nil {
		return ``, err
	}
	var fn = spec.Func
	if fn == `` {
		fn = `sub`
	}

	var re, err = compileRegex(spec.Pattern, spec.Flags)
	if err != nil {
		return ``, err
	}

	var rargs = spec.ReturnArgs
	if len(rargs) == 0 {
		rargs = []int{1}
	}

	switch fn {
	case `sub`:
		return re.ReplaceAllString(value, spec.Repl), nil

	case `match`, `search`:
		var m = re.FindStringSubmatch(value)
		if m == nil {
			return ``, nil
		}
		var idx = rargs[0]
		if idx < 0 || idx >= len(m) {
			return ``, nil
		}
		return m[idx], nil

	case `findall`:
		var all = re.FindAllString(value, -1)
		return strings.Join(all, `,`), nil

	case `split`:
		var parts = re.Split(value, -1)
		return strings.Join(parts, `,`), nil
	}

	return ``, ErrConfiguration(`paramcomposer: unreachable regex func ` + fn)
}

// formatKwargs returns the "%" modifier's brace-style template kwargs:
// time, gmtime and the xtype -> copy-of-input mapping, plus any
// extra vars given by the caller (spec.md §4.1).
func formatKwargs(xtype string, xdict map[string]string, extra map[string]any) map[string]any {
	var kw = map[string]any{
		`time`:   time.Now(),
		`gmtime`: time.Now().UTC(),
	}
	for k, v := range extra {
		kw[k] = v
	}
	var copyOfXdict = make(map[string]string, len(xdict))
	for k, v := range xdict {
		copyOfXdict[k] = v
	}
	kw[xtype] = copyOfXdict
	return kw
}

func formatTemplate(tmpl string, kwargs map[string]any) string {
	var out = tmpl
	for k, v := range kwargs {
		out = strings.ReplaceAll(out, `{`+k+`}`, fmt.Sprintf(`%v`, v))
	}
	return out
}

// Compose applies the modifier DSL over entries, starting from base (or
// a fresh empty map if base is nil), against xdict (the input mapping:
// inbound headers/params/env) and extra vars (for the "%" kwargs), and
// returns the merged result. xtype names the key the formatted copy of
// xdict is exposed under, e.g. "header" or "params" (spec.md §4.1).
func Compose(xtype string, entries []Entry, xdict map[string]string, extra map[string]any, base map[string]string) (map[string]string, error) {
	var r = base
	if r == nil {
		r = make(map[string]string)
	}

	for _, e := range entries {
		var modifiers, key = splitModifiers(e.Name)
		if xtype == `header` {
			key = strings.ToLower(key)
		}

		switch {
		case strings.Contains(modifiers, `+`):
			var s, err = toStringValue(e.Value)
			if err != nil {
				return nil, err
			}
			r[key] = s

		case strings.Contains(modifiers, `-`):
			if _, ok := r[key]; !ok {
				continue
			}
			if e.Value == nil {
				delete(r, key)
			} else if s, _ := toStringValue(e.Value); s == r[key] {
				delete(r, key)
			}

		case strings.Contains(modifiers, `~`):
			var spec, ok = e.Value.(RegexSpec)
			if !ok {
				return nil, ErrConfiguration(`paramcomposer: "~" entry value must be a RegexSpec`)
			}
			if _, exists := r[key]; !exists {
				r[key] = spec.Default
			} else {
				var out, err = applyRegex(spec, r[key])
				if err != nil {
					return nil, err
				}
				r[key] = out
			}

		case strings.Contains(modifiers, `=`):
			if v, exists := r[key]; exists {
				var newKey, err = toStringValue(e.Value)
				if err != nil {
					return nil, err
				}
				r[newKey] = v
			}

		default:
			var s, err = toStringValue(e.Value)
			if err != nil {
				return nil, err
			}
			r[key] = s
		}

		if strings.Contains(modifiers, `%`) {
			var kwargs = formatKwargs(xtype, xdict, extra)
			r[key] = formatTemplate(r[key], kwargs)
		}
	}

	return r, nil
}

// splitModifiers parses "<modifiers> <key>" into its two parts; absence
// of a recognized prefix (no separating space, or unrecognized chars)
// means the default modifier "+" (spec.md §4.1).
func splitModifiers(name string) (modifiers, key string) {
	var sp = strings.IndexByte(name, ' ')
	if sp < 0 {
		return `+`, name
	}
	var candidate = name[:sp]
	for _, c := range candidate {
		switch c {
		case '+', '-', '~', '=', '%':
		default:
			return `+`, name
		}
	}
	return candidate, name[sp+1:]
}

func toStringValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case nil:
		return ``, nil
	default:
		return fmt.Sprintf(`%v`, x), nil
	}
}
