package engine

import (
	"context"
	"time"
)

// Background task names the engine registers with its host. The host
// invokes the handler when it grants a run window and calls
// OnExpiration when the window is about to elapse.
const (
	TaskActivityTypeModelUpdates = "activityTypeModelUpdates"
	TaskBackupTick               = "backupTick"
)

// BackgroundTask is one named unit of deferrable work, registered with
// the host's scheduler.
type BackgroundTask struct {
	Name            string
	MinimumDelay    time.Duration
	RequiresNetwork bool
	RequiresPower   bool

	// Handler performs the work. It must honour ctx cancellation at
	// the top of every loop and between batches.
	Handler func(ctx context.Context) error

	// OnExpiration fires when the host's deadline is about to elapse;
	// the handler's ctx is cancelled immediately after.
	OnExpiration func()
}

// TaskHost is the host application's background scheduler.
type TaskHost interface {
	Register(task BackgroundTask) error
}

// RegisterBackgroundTasks registers the engine's two deferrable jobs:
// classifier-model updates and the incremental backup tick. Both
// require power; neither requires network. backupDir is where backup
// sessions write their bucketed trees.
func (e *Engine) RegisterBackgroundTasks(host TaskHost, backupDir string) error {
	if err := host.Register(BackgroundTask{
		Name:          TaskActivityTypeModelUpdates,
		MinimumDelay:  time.Hour,
		RequiresPower: true,
		Handler: func(ctx context.Context) error {
			// Train until nothing is eligible or the window closes. A
			// round aborted mid-training leaves needsUpdate set, so the
			// next window picks the cell straight back up.
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				ran, err := e.TrainOnce(ctx)
				if err != nil {
					return err
				}
				if !ran {
					return nil
				}
			}
		},
		OnExpiration: func() {
			e.log.Infof("[INFO] model update window expiring")
		},
	}); err != nil {
		return err
	}

	return host.Register(BackgroundTask{
		Name:          TaskBackupTick,
		MinimumDelay:  6 * time.Hour,
		RequiresPower: true,
		Handler: func(ctx context.Context) error {
			_, err := e.Backup(ctx, backupDir)
			return err
		},
		OnExpiration: func() {
			e.log.Infof("[INFO] backup window expiring")
		},
	})
}
