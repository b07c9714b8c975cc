// Package config loads named session profiles from YAML files.
//
// A profile file looks like:
//
//	profiles:
//	  router:
//	    term: vt100
//	    width: 132
//	    height: 48
//	    prompt: "router# "
//	    lineTerminator: "\r"
//	    halt: 500ms
//	    timeout: 30s
//	    wait: readiness
//	    env:
//	      LANG: C
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/guseggert/shellsession/shell"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the profile file Find looks for.
const DefaultFileName = ".shellsession.yaml"

// ErrNotFound is returned by Find when no profile file exists in the directory or any parent.
var ErrNotFound = errors.New("profile file not found")

// File is the top-level document of a profile file.
type File struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile holds session settings. Unset fields keep the session defaults.
type Profile struct {
	TerminalType     string            `yaml:"term"`
	Width            int               `yaml:"width"`
	Height           int               `yaml:"height"`
	Unit             string            `yaml:"unit"`
	Env              map[string]string `yaml:"env"`
	Prompt           string            `yaml:"prompt"`
	AutoDetectPrompt *bool             `yaml:"autoDetectPrompt"`
	Halt             *time.Duration    `yaml:"halt"`
	Timeout          *time.Duration    `yaml:"timeout"`
	RecordHistory    *bool             `yaml:"recordHistory"`
	LineTerminator   string            `yaml:"lineTerminator"`
	Wait             string            `yaml:"wait"`
}

// Options converts the profile into session options.
// It checks what it can without a session, the rest is validated by shell.New.
func (p Profile) Options() ([]shell.Option, error) {
	var opts []shell.Option
	if p.TerminalType != "" {
		opts = append(opts, shell.WithTerminalType(p.TerminalType))
	}
	if p.Width != 0 || p.Height != 0 {
		w, h := p.Width, p.Height
		if w == 0 {
			w = shell.DefaultTerminalWidth
		}
		if h == 0 {
			h = shell.DefaultTerminalHeight
		}
		opts = append(opts, shell.WithTerminalSize(w, h))
	}
	if p.Unit != "" {
		u, err := shell.ParseTerminalUnit(p.Unit)
		if err != nil {
			return nil, err
		}
		opts = append(opts, shell.WithTerminalUnit(u))
	}
	if len(p.Env) > 0 {
		opts = append(opts, shell.WithEnv(p.Env))
	}
	if p.Prompt != "" {
		opts = append(opts, shell.WithPrompt(p.Prompt))
	}
	if p.AutoDetectPrompt != nil {
		opts = append(opts, shell.WithAutoDetectPrompt(*p.AutoDetectPrompt))
	}
	if p.Halt != nil {
		opts = append(opts, shell.WithHaltDelay(*p.Halt))
	}
	if p.Timeout != nil {
		opts = append(opts, shell.WithTimeout(*p.Timeout))
	}
	if p.RecordHistory != nil {
		opts = append(opts, shell.WithRecordHistory(*p.RecordHistory))
	}
	if p.LineTerminator != "" {
		opts = append(opts, shell.WithLineTerminator(p.LineTerminator))
	}
	switch p.Wait {
	case "", "fixed":
	case "readiness":
		opts = append(opts, shell.WithWaiter(shell.ReadinessWait{}))
	default:
		return nil, fmt.Errorf("unknown wait strategy %q", p.Wait)
	}
	return opts, nil
}

// Parse decodes a profile file. Unknown keys are rejected and an empty document has no profiles.
func Parse(b []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}
	return &f, nil
}

// Load reads and decodes the profile file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile file: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Profile returns the named profile.
func (f *File) Profile(name string) (Profile, error) {
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("no profile %q, have %v", name, f.Names())
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for n := range f.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Find searches dir and its parents for a file called name, returning the first match.
func Find(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		curDir = newDir
	}
}
