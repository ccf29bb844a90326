package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger from the --log-level flag, falling back to
// the given level name (e.g. from a config file) and finally to panic level,
// which keeps normal operation silent.
func configureLogger(cmd *cobra.Command, fallback string) (*logrus.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")
	if name == "" {
		name = fallback
	}

	level := logrus.PanicLevel
	if name != "" {
		var err error
		if level, err = logrus.ParseLevel(name); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
		}
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
