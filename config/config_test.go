package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/shellsession/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const profiles = `
profiles:
  router:
    term: xterm
    width: 132
    height: 48
    unit: chars
    prompt: "router# "
    autoDetectPrompt: false
    lineTerminator: "\r"
    halt: 500ms
    timeout: 30s
    recordHistory: true
    wait: readiness
    env:
      LANG: C
  minimal:
    width: 100
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(profiles))
	require.NoError(t, err)
	assert.Equal(t, []string{"minimal", "router"}, f.Names())

	p, err := f.Profile("router")
	require.NoError(t, err)
	assert.Equal(t, "xterm", p.TerminalType)
	assert.Equal(t, 500*time.Millisecond, *p.Halt)
	assert.Equal(t, 30*time.Second, *p.Timeout)
	assert.Equal(t, map[string]string{"LANG": "C"}, p.Env)

	_, err = f.Profile("missing")
	assert.ErrorContains(t, err, `no profile "missing"`)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "unknown key", doc: "profiles:\n  a:\n    colour: red\n"},
		{name: "bad duration", doc: "profiles:\n  a:\n    halt: soon\n"},
		{name: "not a map", doc: "profiles: [1, 2]\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Names())
}

func TestProfileOptions(t *testing.T) {
	f, err := Parse([]byte(profiles))
	require.NoError(t, err)

	t.Run("all fields", func(t *testing.T) {
		opts, err := f.Profiles["router"].Options()
		require.NoError(t, err)
		s, err := shell.New(nil, append(opts, shell.WithLogger(zap.NewNop()))...)
		require.NoError(t, err)

		w, h := s.TerminalSize()
		assert.Equal(t, 132, w)
		assert.Equal(t, 48, h)
		assert.Equal(t, shell.Characters, s.TerminalUnit())
		assert.Equal(t, "xterm", s.TerminalType())
		assert.Equal(t, "router# ", s.Prompt())
		assert.False(t, s.AutoDetectPrompt())
		assert.Equal(t, "\r", s.LineTerminator())
		assert.Equal(t, 500*time.Millisecond, s.HaltDelay())
		assert.Equal(t, 30*time.Second, s.Timeout())
		assert.True(t, s.RecordHistory())
		assert.Equal(t, map[string]string{"LANG": "C"}, s.Env())
	})

	t.Run("unset fields keep defaults", func(t *testing.T) {
		opts, err := f.Profiles["minimal"].Options()
		require.NoError(t, err)
		s, err := shell.New(nil, append(opts, shell.WithLogger(zap.NewNop()))...)
		require.NoError(t, err)

		w, h := s.TerminalSize()
		assert.Equal(t, 100, w)
		assert.Equal(t, shell.DefaultTerminalHeight, h)
		assert.Equal(t, shell.DefaultTerminalType, s.TerminalType())
		assert.Equal(t, shell.DefaultHaltDelay, s.HaltDelay())
		assert.Equal(t, shell.DefaultTimeout, s.Timeout())
		assert.Equal(t, shell.DefaultLineTerminator, s.LineTerminator())
		assert.False(t, s.RecordHistory())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Profile{Unit: "furlongs"}.Options()
		assert.ErrorIs(t, err, shell.ErrInvalidArgument)

		_, err = Profile{Wait: "forever"}.Options()
		assert.ErrorContains(t, err, "unknown wait strategy")

		neg := -time.Second
		opts, err := Profile{Halt: &neg}.Options()
		require.NoError(t, err)
		_, err = shell.New(nil, append(opts, shell.WithLogger(zap.NewNop()))...)
		assert.ErrorIs(t, err, shell.ErrInvalidArgument)
	})
}

func TestLoadAndFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(root, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(profiles), 0o644))

	found, err := Find(DefaultFileName, nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	f, err := Load(found)
	require.NoError(t, err)
	assert.Len(t, f.Profiles, 2)

	_, err = Find("no-such-file.yaml", nested)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Load(filepath.Join(root, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(root, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("profiles: ["), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, bad)
}
