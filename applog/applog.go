// Package applog configures the op/go-logging backend the rest of the
// module's packages call logging.MustGetLogger against: a syslog
// backend attempted first, falling back to a colorized stderr
// backend, with the level selectable via an environment variable.
// Grounded on the teacher's logging.go/logging_syslog.go.
package applog

import (
	stdlog "log"
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

// LevelEnv is consulted before defaultLevel, mirroring the teacher's
// KR_LOG_LEVEL.
const LevelEnv = "BLERPC_LOG_LEVEL"

// SyslogEnv disables the syslog backend attempt when set to "false",
// mirroring the teacher's KR_LOG_SYSLOG.
const SyslogEnv = "BLERPC_LOG_SYSLOG"

var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)
var stderrFormat = logging.MustStringFormatter(
	`%{color}blerpc ▶ %{message}%{color:reset}`,
)

// Setup installs a leveled logging backend for prefix (the daemon or
// CLI process name) at defaultLevel, overridden by LevelEnv when set,
// and returns the root logger for prefix.
func Setup(prefix string, defaultLevel logging.Level) *logging.Logger {
	var backend logging.Backend
	if os.Getenv(SyslogEnv) != "false" {
		backend = trySyslogBackend(prefix)
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, prefix, 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	level := defaultLevel
	if parsed, err := logging.LogLevel(os.Getenv(LevelEnv)); err == nil {
		level = parsed
	}
	leveled.SetLevel(level, prefix)

	logging.SetBackend(leveled)
	return logging.MustGetLogger(prefix)
}

func trySyslogBackend(prefix string) logging.Backend {
	var backend logging.Backend
	var err error
	backend, err = logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
	if err != nil {
		return nil
	}
	logging.SetFormatter(syslogFormat)
	//	direct panic output to syslog as well
	if syslogBackend, ok := backend.(*logging.SyslogBackend); ok {
		stdlog.SetOutput(syslogBackend.Writer)
	}
	return backend
}
