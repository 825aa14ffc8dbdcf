package resolver

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"egcoord/pkg/logger"
)

const DefaultRefreshSchedule = "@every 5m"

// Prober re-measures a service's targets.
type Prober interface {
	Service() string
	MeasureLatencies(ctx context.Context) ([]Latency, error)
}

// Refresher re-measures a set of resolvers on a cron schedule. A failed
// measurement still replaces the cached ranking.
type Refresher struct {
	spec     string
	schedule cron.Schedule
	probers  []Prober
	log      *zap.Logger
}

// NewRefresher parses spec (standard five-field cron or a descriptor such as
// "@every 5m"). An empty spec means DefaultRefreshSchedule.
func NewRefresher(spec string, log *zap.Logger, probers ...Prober) (*Refresher, error) {
	if spec == "" {
		spec = DefaultRefreshSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid probe schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.Component("resolver")
	}
	return &Refresher{spec: spec, schedule: schedule, probers: probers, log: log}, nil
}

// Refresh measures every prober once. Failures are logged.
func (f *Refresher) Refresh(ctx context.Context) {
	for _, p := range f.probers {
		all, err := p.MeasureLatencies(ctx)
		if err != nil {
			f.log.Warn("Latency probe failed", zap.String("service", p.Service()), zap.Error(err))
			continue
		}
		f.log.Debug("Latency probe", zap.String("service", p.Service()), zap.Int("reachable", len(reachable(all))))
	}
}

// Run refreshes immediately and then on schedule until ctx ends.
func (f *Refresher) Run(ctx context.Context) {
	if len(f.probers) == 0 {
		return
	}
	f.Refresh(ctx)

	c := cron.New()
	c.Schedule(f.schedule, cron.FuncJob(func() { f.Refresh(ctx) }))
	c.Start()
	f.log.Info("Latency refresh scheduled", zap.String("schedule", f.spec), zap.Int("services", len(f.probers)))

	<-ctx.Done()
	<-c.Stop().Done()
}
