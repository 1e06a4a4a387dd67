package logutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Configure sets up the process-wide logger. The gateway logs to stderr
// only; request telemetry goes through the stats store instead.
func Configure(levelRaw string) error {
	level, err := parseLevel(levelRaw)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}))
	return nil
}

func parseLevel(raw string) (log.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return log.InfoLevel, nil
	}
	// No native trace enum; map it to the most verbose level.
	if raw == "trace" {
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", raw)
	}
	return level, nil
}
