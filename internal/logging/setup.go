// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "WHITELISTD_LOG_LEVEL"

// Setup applies level and format to the standard logger and installs the
// sanitizing hook. An unknown level falls back to info.
func Setup(level, format string) {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	InstallSanitizingHook()
}

var hookInstalled bool

// InstallSanitizingHook installs the sanitizing hook globally, once.
func InstallSanitizingHook() {
	if hookInstalled {
		return
	}
	hookInstalled = true
	logrus.AddHook(&SanitizingHook{})
}
