package notify

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/types"
)

// Dispatcher delivers a notification for a unit. The report travels on
// the unit itself.
type Dispatcher interface {
	Notify(ctx context.Context, unit *types.Unit) error
}

// LogDispatcher writes notifications to the structured log. The default
// when no external channel is configured.
type LogDispatcher struct {
	log *logrus.Logger
}

func NewLogDispatcher(log *logrus.Logger) *LogDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Notify(ctx context.Context, unit *types.Unit) error {
	d.log.WithFields(logrus.Fields{
		"fingerprint":  unit.Fingerprint,
		"database":     unit.Database,
		"avg_duration": unit.Stats.AvgDurationSecs,
		"exec_count":   unit.Stats.ExecCount,
	}).Warn("slow query analysis ready")
	return nil
}

// WriterDispatcher renders a plain-text notification to a writer.
// Used by the CLI to print reports to stdout.
type WriterDispatcher struct {
	w io.Writer
}

func NewWriterDispatcher(w io.Writer) *WriterDispatcher {
	return &WriterDispatcher{w: w}
}

func (d *WriterDispatcher) Notify(ctx context.Context, unit *types.Unit) error {
	_, err := fmt.Fprintf(d.w,
		"slow query alert: %s on %s (avg %.3fs over %d executions)\n\n%s\n",
		unit.Fingerprint, unit.Database,
		unit.Stats.AvgDurationSecs, unit.Stats.ExecCount, unit.Report)
	return err
}
