package tui

import (
	"context"
	"time"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/daemon"
	"github.com/undercity-dev/undercity/internal/ratelimit"
)

// DaemonSource polls a live daemon over HTTP.
type DaemonSource struct {
	client *daemon.Client
}

// NewDaemonSource wraps a daemon client.
func NewDaemonSource(client *daemon.Client) *DaemonSource {
	return &DaemonSource{client: client}
}

// Fetch pulls status, task list, and usage from the daemon.
func (s *DaemonSource) Fetch() (*Status, error) {
	st, err := s.client.Status()
	if err != nil {
		return nil, err
	}
	out := &Status{
		Source:     "daemon",
		Paused:     st.Daemon.Paused,
		Uptime:     st.Daemon.Uptime,
		TaskCounts: st.Tasks,
	}

	if tasks, err := s.client.Tasks(); err == nil {
		for _, t := range tasks {
			out.Tasks = append(out.Tasks, TaskRow{
				ID:        t.ID,
				Objective: t.Objective,
				Status:    string(t.Status),
				Attempts:  t.Attempts,
			})
		}
	}
	if m, err := s.client.Metrics(); err == nil && m.Usage != nil {
		out.FiveHour = m.Usage.FiveHour
		out.Weekly = m.Usage.Weekly
	}
	return out, nil
}

// StoreSource reads the board and tracker directly when no daemon is
// running.
type StoreSource struct {
	board   *board.Board
	tracker *ratelimit.Tracker
	started time.Time
}

// NewStoreSource builds a source over local state. The tracker may be
// nil; usage bars then stay empty.
func NewStoreSource(b *board.Board, tracker *ratelimit.Tracker) *StoreSource {
	return &StoreSource{board: b, tracker: tracker, started: time.Now()}
}

// Fetch reads the board snapshot.
func (s *StoreSource) Fetch() (*Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := s.board.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := &Status{
		Source:     "store",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		TaskCounts: counts,
	}

	if tasks, err := s.board.List(ctx); err == nil {
		for _, t := range tasks {
			out.Tasks = append(out.Tasks, TaskRow{
				ID:        t.ID,
				Objective: t.Objective,
				Status:    string(t.Status),
				Attempts:  t.Attempts,
			})
		}
	}
	if s.tracker != nil {
		out.FiveHour = s.tracker.GetUsagePercentage(ratelimit.WindowFiveHour)
		out.Weekly = s.tracker.GetUsagePercentage(ratelimit.WindowWeekly)
		out.Paused = s.tracker.IsPaused()
	}
	return out, nil
}
