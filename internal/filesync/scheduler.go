package filesync

import (
	"context"
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Scheduler triggers periodic fingerprint rescans on a cron expression.
// fsnotify catches most changes as they happen; the rescan exists to pick
// up anything the event feed missed, such as changes made while the daemon
// was stopped or on filesystems with unreliable notification support.
type Scheduler struct {
	watcher *Watcher
	logger  *slog.Logger
	cron    *cronlib.Cron
}

func NewScheduler(watcher *Watcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		watcher: watcher,
		logger:  logger.With("component", "filesync"),
	}
}

// Start schedules rescans per the expression. An empty expression disables
// scheduled rescans; the fsnotify feed still runs.
func (s *Scheduler) Start(ctx context.Context, expr string) error {
	if expr == "" {
		s.logger.Info("scheduled rescans disabled")
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("rescan cron %q: %w", expr, err)
	}

	s.cron = cronlib.New(cronlib.WithParser(cronParser))
	_, err := s.cron.AddFunc(expr, func() {
		if _, err := s.watcher.Rescan(ctx); err != nil {
			s.logger.Error("scheduled rescan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	s.cron.Start()
	s.logger.Info("rescan scheduler started", "cron", expr)
	return nil
}

// Stop halts the cron loop and waits for a running rescan to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
