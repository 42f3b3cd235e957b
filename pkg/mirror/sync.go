package mirror

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/lock"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/runner"
)

// Coordinator synchronizes the local archive mirror once per wave of
// concurrent builds. The first build (ordinal 0) runs the sync tool under
// the archive sync lock; later builds wait for that lock to clear.
type Coordinator struct {
	cfg    *config.Config
	runner runner.Runner
	log    logger.MarkerLogger

	ShortBudget lock.Budget
	LongBudget  lock.Budget
}

// NewCoordinator creates a coordinator writing markers to log
func NewCoordinator(cfg *config.Config, r runner.Runner, log logger.MarkerLogger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		runner:      r,
		log:         log,
		ShortBudget: lock.SyncShortBudget,
		LongBudget:  lock.SyncLongBudget,
	}
}

// Sync brings the mirror up to date for a build with the given ordinal.
// With CDIMAGE_NOSYNC set it does nothing.
func (c *Coordinator) Sync(ctx context.Context, ordinal int) error {
	if c.cfg.Bool("CDIMAGE_NOSYNC") {
		return nil
	}

	capproject := c.cfg.CapProject()
	syncLock := c.cfg.Layout().ArchiveSyncLock()

	if ordinal == 0 {
		c.log.Marker(fmt.Sprintf("Syncing %s mirror", capproject))
		h, err := lock.Acquire(ctx, syncLock, c.ShortBudget)
		if err != nil {
			c.log.Error("Couldn't acquire archive sync lock!")
			return err
		}
		defer h.Release()

		cmd, err := runner.Resolve(c.cfg.Get("SYNC_TOOL"), "anonftpsync")
		if err != nil {
			return err
		}
		cmd.Env = c.cfg.Export()
		if err := c.runner.Run(ctx, cmd); err != nil {
			return errors.Wrap(err, "mirror sync failed")
		}
		return nil
	}

	c.log.Marker(fmt.Sprintf("Parallel build; waiting for %s mirror to sync", capproject))
	h, err := lock.Acquire(ctx, syncLock, c.LongBudget)
	if err != nil {
		c.log.Error("Timed out waiting for archive sync lock!")
		return err
	}
	h.Release()
	return nil
}
