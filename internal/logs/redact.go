package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// credentialPatterns catch the auth key wherever it travels in a URL or header
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(authKey=)[^&\s"]+`),
	regexp.MustCompile(`(Auth=)[^;\s"]+`),
}

// Redactor masks registered secrets and auth key parameters in log output.
// One Redactor may wrap several cores; registrations apply to all of them.
type Redactor struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

// NewRedactor creates an empty redactor
func NewRedactor() *Redactor {
	return &Redactor{secrets: make(map[string]struct{})}
}

// Register adds a value that must never appear in logs. Short values are ignored.
func (r *Redactor) Register(value string) {
	if len(value) < 8 {
		return
	}
	r.mu.Lock()
	r.secrets[value] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a value from the mask set
func (r *Redactor) Unregister(value string) {
	r.mu.Lock()
	delete(r.secrets, value)
	r.mu.Unlock()
}

// Redact returns s with secrets masked
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	for secret := range r.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, maskValue(secret))
		}
	}
	r.mu.RUnlock()

	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, "${1}****")
	}
	return s
}

// Wrap returns a core that redacts messages and string fields before writing
func (r *Redactor) Wrap(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core, r: r}
}

type redactingCore struct {
	zapcore.Core
	r *Redactor
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactFields(fields)), r: c.r}
}

func (c *redactingCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *redactingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.r.Redact(entry.Message)
	return c.Core.Write(entry, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = c.r.Redact(f.String)
		case zapcore.ByteStringType:
			if b, ok := f.Interface.([]byte); ok {
				f.Interface = []byte(c.r.Redact(string(b)))
			}
		case zapcore.StringerType:
			if s, ok := f.Interface.(interface{ String() string }); ok {
				f = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: c.r.Redact(s.String())}
			}
		}
		out[i] = f
	}
	return out
}

// maskValue keeps the first 3 and last 2 characters
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
