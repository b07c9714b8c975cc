package shell

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Severity is a syslog severity, 0 being the most severe.
type Severity int

const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// LoggerFunc receives every log line a Session emits.
type LoggerFunc func(message string, severity Severity)

func severityOf(l zapcore.Level) Severity {
	switch {
	case l >= zapcore.FatalLevel:
		return SeverityEmergency
	case l == zapcore.PanicLevel:
		return SeverityAlert
	case l == zapcore.DPanicLevel:
		return SeverityCritical
	case l == zapcore.ErrorLevel:
		return SeverityError
	case l == zapcore.WarnLevel:
		return SeverityWarning
	case l == zapcore.InfoLevel:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

type loggerFuncs struct {
	funcs []LoggerFunc
}

// callbackCore is a zapcore.Core that renders entries and hands them to registered LoggerFuncs.
type callbackCore struct {
	loggers *loggerFuncs
	enc     zapcore.Encoder
}

func newCallbackCore(loggers *loggerFuncs) zapcore.Core {
	return &callbackCore{
		loggers: loggers,
		enc: zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey:       "msg",
			NameKey:          "logger",
			EncodeName:       zapcore.FullNameEncoder,
			ConsoleSeparator: " ",
		}),
	}
}

func (c *callbackCore) Enabled(zapcore.Level) bool { return len(c.loggers.funcs) > 0 }

func (c *callbackCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &callbackCore{loggers: c.loggers, enc: enc}
}

func (c *callbackCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *callbackCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()

	sev := severityOf(ent.Level)
	for _, f := range c.loggers.funcs {
		callLogger(f, msg, sev)
	}
	return nil
}

func (c *callbackCore) Sync() error { return nil }

// callLogger invokes f, ignoring any panic so logging can't abort the operation being logged.
func callLogger(f LoggerFunc, msg string, sev Severity) {
	defer func() { _ = recover() }()
	f(msg, sev)
}
