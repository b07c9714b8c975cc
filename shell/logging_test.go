package shell

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type logLine struct {
	msg string
	sev Severity
}

func TestRegisterLogger(t *testing.T) {
	ch := &fakeChannel{reads: []string{"Welcome\n$ "}}
	s := newTestSession(t, newFakeConnection(ch))

	var lines []logLine
	require.NoError(t, s.RegisterLogger(func(msg string, sev Severity) {
		lines = append(lines, logLine{msg: msg, sev: sev})
	}))
	require.NoError(t, s.Start(context.Background()))

	ch.reads = []string{"true\n"}
	_, err := s.Execute(context.Background(), "true")
	require.NoError(t, err)

	var started, executed bool
	for _, l := range lines {
		assert.Equal(t, SeverityDebug, l.sev)
		assert.False(t, strings.HasSuffix(l.msg, "\n"))
		if strings.Contains(l.msg, "started session") {
			started = true
			assert.Contains(t, l.msg, "shell_session")
			assert.Contains(t, l.msg, s.ID())
		}
		if strings.Contains(l.msg, "executed command") {
			executed = true
		}
	}
	assert.True(t, started)
	assert.True(t, executed)
}

func TestRegisterLoggerNil(t *testing.T) {
	s := newTestSession(t, nil)
	assert.ErrorIs(t, s.RegisterLogger(nil), ErrInvalidArgument)
}

func TestPanickingLoggerDoesNotAbort(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSession(t, newFakeConnection(ch))

	var calls int
	require.NoError(t, s.RegisterLogger(func(string, Severity) { panic("logger exploded") }))
	require.NoError(t, s.RegisterLogger(func(string, Severity) { calls++ }))

	require.NoError(t, s.Start(context.Background()))
	assert.Greater(t, calls, 0)
}

func TestSeverityOf(t *testing.T) {
	cases := map[zapcore.Level]Severity{
		zapcore.DebugLevel:  SeverityDebug,
		zapcore.InfoLevel:   SeverityInfo,
		zapcore.WarnLevel:   SeverityWarning,
		zapcore.ErrorLevel:  SeverityError,
		zapcore.DPanicLevel: SeverityCritical,
		zapcore.PanicLevel:  SeverityAlert,
		zapcore.FatalLevel:  SeverityEmergency,
	}
	for level, exp := range cases {
		assert.Equal(t, exp, severityOf(level), level.String())
	}
}
