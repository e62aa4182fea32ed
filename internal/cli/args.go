// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Argument parsing shared by every imagehive subcommand.

package cli

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits raw arguments into flags and positionals.
// It handles:
//   - Long flags: --flag value or --flag=value
//   - Short flags: -f value
//   - Boolean flags: --flag (no value needed)
//   - Positional arguments: arguments without flags
type ArgParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// boolOnly names flags that never take a value, so "--wait http://x" keeps
// the URL positional.
var boolOnly = map[string]bool{
	"wait":    true,
	"json":    true,
	"quiet":   true,
	"q":       true,
	"verbose": true,
	"v":       true,
	"help":    true,
	"h":       true,
	"offline": true,
	"local":   true,
}

// NewArgParser parses raw.
//
// Example:
//
//	args := NewArgParser([]string{"--session", "chat-1", "--json"})
//	args.Flag("session")   // "chat-1"
//	args.BoolFlag("json")  // true
func NewArgParser(raw []string) *ArgParser {
	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
		raw:       raw,
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		// --flag=value
		if name, value, ok := strings.Cut(strings.TrimLeft(arg, "-"), "="); ok {
			if value == "true" || value == "false" {
				p.boolFlags[name] = value == "true"
			} else {
				p.flags[name] = value
			}
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if !boolOnly[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}
	return p
}

// Subcommand returns the first positional argument.
func (p *ArgParser) Subcommand() string {
	return p.Positional(0)
}

// Flag returns the value of a string flag, or "".
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or def when unset.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v := p.Flag(name); v != "" {
		return v
	}
	return def
}

// FlagDuration parses a duration flag. Unset flags return def.
func (p *ArgParser) FlagDuration(name string, def time.Duration) (time.Duration, error) {
	v := p.Flag(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, NewValidationErrorWithExample(name, v, "must be a positive duration", "--"+name+" 30s")
	}
	return d, nil
}

// BoolFlag reports whether a boolean flag was set.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalFrom returns the positional arguments starting at index.
func (p *ArgParser) PositionalFrom(index int) []string {
	if index < 0 || index >= len(p.positional) {
		return []string{}
	}
	return p.positional[index:]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// HasFlag reports whether name was given in either form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, s := p.flags[name]
	_, b := p.boolFlags[name]
	return s || b
}

// Raw returns the original arguments.
func (p *ArgParser) Raw() []string {
	return p.raw
}

// Unknown returns the flags not in allowed, as given on the command line.
func (p *ArgParser) Unknown(allowed ...string) []string {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var unknown []string
	for _, arg := range p.raw {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !ok[name] {
			unknown = append(unknown, arg)
		}
	}
	return unknown
}

// requireKnownFlags returns a usage error naming the first unknown flag.
func requireKnownFlags(command string, p *ArgParser, allowed ...string) error {
	unknown := p.Unknown(allowed...)
	if len(unknown) == 0 {
		return nil
	}
	return &ValidationError{
		Field:   "flag",
		Value:   unknown[0],
		Reason:  fmt.Sprintf("not accepted by %s", command),
		Example: "imagehive help",
	}
}
