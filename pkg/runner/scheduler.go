package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maintkit/maintkit/pkg/schedule"
)

// ScheduledRun pairs a task with a recurrence. A zero Concurrency starts
// solo runs; anything else starts concurrent runs at that level.
type ScheduledRun struct {
	TaskName    string
	Schedule    schedule.Schedule
	Concurrency int
}

// scheduledEntry carries an entry's own firing baseline, so two entries for
// the same task keep independent recurrences.
type scheduledEntry struct {
	ScheduledRun
	lastRun time.Time
}

// Scheduler starts runs on a recurrence. It checks each entry's schedule
// on a fixed cadence and triggers the runner when one comes due.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*scheduledEntry
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often due schedules are evaluated.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler that triggers runs through the given
// runner.
func NewScheduler(r *Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:   r,
		interval: time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a recurring run. The first firing is computed from the
// registration time.
func (s *Scheduler) Add(entry ScheduledRun) {
	s.mu.Lock()
	s.entries = append(s.entries, &scheduledEntry{ScheduledRun: entry, lastRun: time.Now()})
	s.mu.Unlock()
}

// Start evaluates schedules until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fireDue(ctx, time.Now())
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	entries := make([]*scheduledEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, entry := range entries {
		s.mu.Lock()
		last := entry.lastRun
		s.mu.Unlock()
		if now.Before(entry.Schedule.Next(last)) {
			continue
		}

		var err error
		if entry.Concurrency > 0 {
			_, err = s.runner.RunConcurrent(ctx, entry.TaskName, WithConcurrency(entry.Concurrency))
		} else {
			_, err = s.runner.Run(ctx, entry.TaskName)
		}
		if err != nil {
			s.logger.Error("failed to start scheduled run", "task", entry.TaskName, "error", err)
			continue
		}
		s.mu.Lock()
		entry.lastRun = now
		s.mu.Unlock()
	}
}

// ScheduleConfig is the YAML shape for declaring recurring runs.
//
//	tasks:
//	  - name: purge-stale-sessions
//	    cron: "0 3 * * *"
//	    concurrency: 4
//	  - name: refresh-counters
//	    every: 15m
type ScheduleConfig struct {
	Tasks []ScheduleEntryConfig `yaml:"tasks"`
}

// ScheduleEntryConfig declares one recurring run. Exactly one of Cron or
// Every must be set; Every takes a Go duration string such as "15m".
type ScheduleEntryConfig struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	Every       string `yaml:"every"`
	Concurrency int    `yaml:"concurrency"`
}

// LoadScheduleConfig reads and parses a YAML schedule file.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: read schedule config: %w", err)
	}
	var cfg ScheduleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("runner: parse schedule config: %w", err)
	}
	return &cfg, nil
}

// AddFromConfig registers every entry of a parsed schedule config.
func (s *Scheduler) AddFromConfig(cfg *ScheduleConfig) error {
	for _, entry := range cfg.Tasks {
		if entry.Name == "" {
			return fmt.Errorf("runner: schedule entry missing task name")
		}
		var sched schedule.Schedule
		switch {
		case entry.Cron != "" && entry.Every != "":
			return fmt.Errorf("runner: schedule for %q sets both cron and every", entry.Name)
		case entry.Cron != "":
			parsed, err := schedule.Cron(entry.Cron)
			if err != nil {
				return err
			}
			sched = parsed
		case entry.Every != "":
			d, err := time.ParseDuration(entry.Every)
			if err != nil {
				return fmt.Errorf("runner: schedule for %q: bad interval %q: %w", entry.Name, entry.Every, err)
			}
			if d <= 0 {
				return fmt.Errorf("runner: schedule for %q: interval must be positive", entry.Name)
			}
			sched = schedule.Every(d)
		default:
			return fmt.Errorf("runner: schedule for %q needs cron or every", entry.Name)
		}
		s.Add(ScheduledRun{
			TaskName:    entry.Name,
			Schedule:    sched,
			Concurrency: entry.Concurrency,
		})
	}
	return nil
}
