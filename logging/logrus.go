package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	auth "github.com/goliatone/go-auth-tenancy"
)

// Logrus adapts a logrus entry to auth.Logger
type Logrus struct {
	entry *logrus.Entry
}

var _ auth.Logger = (*Logrus)(nil)

// New builds a JSON logrus logger at the given level. Unknown levels
// fall back to info.
func New(level string, out io.Writer) *Logrus {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if out != nil {
		logger.SetOutput(out)
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return &Logrus{entry: logrus.NewEntry(logger)}
}

// Wrap adapts an existing logger
func Wrap(logger *logrus.Logger) *Logrus {
	return &Logrus{entry: logrus.NewEntry(logger)}
}

// WithField returns a child logger carrying key
func (l *Logrus) WithField(key string, value any) *Logrus {
	return &Logrus{entry: l.entry.WithField(key, value)}
}

func (l *Logrus) WithFields(fields map[string]any) *Logrus {
	return &Logrus{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logrus) Debug(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logrus) Info(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logrus) Warn(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logrus) Error(format string, args ...any) { l.entry.Errorf(format, args...) }
