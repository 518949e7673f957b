package chat

import (
	"context"
	"time"

	"github.com/messagerie/server/globals"
	"github.com/robfig/cron/v3"
)

// StartPurgeScheduler runs the physical purge of tombstoned messages on the
// given cron spec. The caller stops the returned runner on shutdown.
func (p *Pipeline) StartPurgeScheduler(spec string) (*cron.Cron, error) {
	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := runner.AddFunc(spec, func() {
		n, err := p.PurgeDeleted(context.Background())
		if err != nil {
			globals.AppLogger.Error("purge failed", "error", err)
			return
		}
		if n > 0 {
			globals.AppLogger.Info("purged deleted messages", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	runner.Start()
	return runner, nil
}
