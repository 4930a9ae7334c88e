package conn

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is an optional trace and error-rewrite configuration. Both
// capabilities are independent; either may be nil.
type Logger struct {
	// Debug receives trace lines for sent and received messages.
	Debug func(msg string)

	// WrapError, when set, is given first refusal to produce the error
	// object surfaced to the error handler from a raw underlying error
	// and the composed human-readable message.
	WrapError func(cause error, msg string) error
}

// NewLogrusLogger adapts a logrus logger into a trace sink.
func NewLogrusLogger(l *logrus.Logger) *Logger {
	return &Logger{
		Debug: func(msg string) {
			l.Debug(msg)
		},
	}
}

// LoggerRegistry holds a process-lifetime default logger used by every
// connection that has no instance-level logger. Set the default once,
// before connections are created; there is no teardown.
type LoggerRegistry struct {
	mu     sync.RWMutex
	logger *Logger
}

func (r *LoggerRegistry) SetDefault(l *Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = l
}

func (r *LoggerRegistry) Default() *Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.logger
}

// DefaultLoggers is the process-wide registry consulted by connections
// without an instance logger.
var DefaultLoggers = &LoggerRegistry{}

// SetDefaultLogger sets the process-wide default logger.
func SetDefaultLogger(l *Logger) {
	DefaultLoggers.SetDefault(l)
}
