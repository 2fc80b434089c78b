package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"mentionbot/internal/storage"
	logx "mentionbot/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateMaintenanceSpec(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("storage.maintenance: invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// maintenance runs Maintainer.Maintain on a cron schedule. Runs never
// overlap; a run still going when the next tick fires is skipped.
type maintenance struct {
	log logx.Logger
	m   storage.Maintainer
	c   *cron.Cron
}

func newMaintenance(spec string, m storage.Maintainer, log logx.Logger) (*maintenance, error) {
	if spec == "" || m == nil {
		return nil, nil
	}
	mt := &maintenance{
		log: log,
		m:   m,
		c: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := mt.c.AddFunc(spec, mt.run); err != nil {
		return nil, fmt.Errorf("storage.maintenance: %w", err)
	}
	return mt, nil
}

func (mt *maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	start := time.Now()
	if err := mt.m.Maintain(ctx); err != nil {
		mt.log.Warn("storage maintenance failed", logx.Err(err))
		return
	}
	mt.log.Info("storage maintenance done", logx.Duration("took", time.Since(start)))
}

func (mt *maintenance) Start() {
	if mt != nil {
		mt.c.Start()
	}
}

// Stop waits for a running job, bounded by ctx.
func (mt *maintenance) Stop(ctx context.Context) error {
	if mt == nil {
		return nil
	}
	select {
	case <-mt.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
