package hub

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/boardroom-tee/fabric/internal/events"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
	"github.com/boardroom-tee/fabric/internal/notify"
	"github.com/boardroom-tee/fabric/internal/orchestrate"
	"github.com/boardroom-tee/fabric/internal/registry"
)

// ReapGrace is added to each collaboration's deadline before the sweep
// considers it abandoned.
const ReapGrace = 30 * time.Second

// settingLastSweep is the catalog settings key recording when the
// background sweep last completed; served by the health endpoint.
const settingLastSweep = "last_sweep"

// RegistrySweeper retires agents that stopped heartbeating.
type RegistrySweeper interface {
	SweepAll() []registry.InactiveAgent
}

// CollaborationReaper removes abandoned collaborations.
type CollaborationReaper interface {
	Reap(grace time.Duration) []orchestrate.Reaped
}

// SettingsWriter persists sweep bookkeeping.
type SettingsWriter interface {
	SetSetting(key, value string) error
}

// SweeperDeps defines what the background sweeper needs from the rest
// of the application. EventBus, Notify and Settings may be nil.
type SweeperDeps struct {
	Registry RegistrySweeper
	Reaper   CollaborationReaper
	EventBus *events.Bus
	Notify   *notify.Multi
	Settings SettingsWriter
	Log      *logging.Logger
}

// Sweeper runs the periodic background maintenance: registry liveness
// sweep, collaboration reaping and the metrics textfile export. Retired
// agents and reaped collaborations are announced through the event bus
// and the notifier chain.
type Sweeper struct {
	deps         SweeperDeps
	textfilePath string
	cron         *cron.Cron
}

// NewSweeper creates a Sweeper that fires every interval.
func NewSweeper(deps SweeperDeps, interval time.Duration, textfilePath string) (*Sweeper, error) {
	s := &Sweeper{
		deps:         deps,
		textfilePath: textfilePath,
		cron:         cron.New(),
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// sweep is also callable directly for an on-demand pass.
func (s *Sweeper) sweep() {
	start := time.Now()
	ctx := context.Background()

	retired := s.deps.Registry.SweepAll()
	for _, a := range retired {
		if s.deps.EventBus != nil {
			s.deps.EventBus.Publish(events.SSEEvent{
				Type:      events.EventAgentInactive,
				AgentID:   a.AgentID,
				AgentType: a.AgentType,
				ClientID:  a.ClientID,
				Timestamp: start,
			})
		}
		if s.deps.Notify != nil {
			s.deps.Notify.Notify(ctx, notify.Event{
				Type:      notify.EventAgentInactive,
				AgentID:   a.AgentID,
				AgentType: a.AgentType,
				ClientID:  a.ClientID,
				Timestamp: start,
			})
		}
	}

	reaped := s.deps.Reaper.Reap(ReapGrace)
	if s.deps.Notify != nil {
		for _, r := range reaped {
			s.deps.Notify.Notify(ctx, notify.Event{
				Type:      notify.EventCollaborationReaped,
				ClientID:  r.ClientID,
				RoutingID: r.RoutingID,
				Timestamp: start,
			})
		}
	}

	if s.textfilePath != "" {
		if err := metrics.WriteTextfile(s.textfilePath); err != nil {
			s.deps.Log.Warn("metrics textfile write failed", "path", s.textfilePath, "error", err)
		}
	}

	if s.deps.Settings != nil {
		if err := s.deps.Settings.SetSetting(settingLastSweep, start.UTC().Format(time.RFC3339)); err != nil {
			s.deps.Log.Warn("record last sweep time failed", "error", err)
		}
	}

	elapsed := time.Since(start)
	metrics.SweepDuration.Observe(elapsed.Seconds())
	s.deps.Log.Debug("background sweep complete",
		"retired", len(retired), "reaped", len(reaped), "elapsed", elapsed)
}
