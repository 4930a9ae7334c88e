package debug

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var (
	Debug bool

	logger = logrus.New()
)

func init() {
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)

	debugEnv, exists := os.LookupEnv("CONN_GO_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

func Printf(format string, v ...interface{}) {
	if Debug {
		logger.Debugf(format, v...)
	}
}

func Enable() {
	Debug = true
}

func Disable() {
	Debug = false
}

// Logger exposes the underlying logrus logger so callers can redirect
// or reformat trace output.
func Logger() *logrus.Logger {
	return logger
}
