package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config carries everything needed to assemble an Engine. Trainer may
// be nil when the host never trains (e.g. a read-only viewer); model
// updates then report an error instead of running.
type Config struct {
	DataDir       string
	ModelsDir     string
	Source        string
	SourceVersion string

	Trainer ModelTrainer
	Logger  *zap.Logger
	Metrics *Metrics
}

// Engine is the top-level composition of the recording core: the
// sampling pipeline, timeline recorder and processor, classifier tree,
// place engine, and persistence, each confined to its own actor. All
// exported methods are safe to call from any goroutine; internally
// each routes its work onto the owning actor's queue.
type Engine struct {
	store  *Store
	log    *zap.SugaredLogger
	actors *actorSupervisors

	assembler *SampleAssembler
	recorder  *TimelineRecorder
	processor *TimelineProcessor
	tree      *ClassifierTree
	updater   *ModelUpdater
	places    *PlaceEngine

	recording    bool
	backgrounded bool
}

// NewEngine opens the store under cfg.DataDir and wires up every
// subsystem. Callers own Close.
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := OpenStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	models := NewFileModelStore(store, cfg.ModelsDir)
	tree, err := NewClassifierTree(models, 4096)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		store:     store,
		log:       logger.Sugar(),
		actors:    newActorSupervisors(),
		assembler: NewSampleAssembler(store, cfg.Source, cfg.SourceVersion),
		recorder:  NewTimelineRecorder(store),
		processor: NewTimelineProcessor(store),
		tree:      tree,
		places:    NewPlaceEngine(store),
	}
	if cfg.Trainer != nil {
		e.updater = NewModelUpdater(store, cfg.Trainer, cfg.ModelsDir, tree)
	}
	if cfg.Metrics != nil {
		e.assembler.SetMetrics(cfg.Metrics)
		e.processor.SetMetrics(cfg.Metrics)
		if e.updater != nil {
			e.updater.SetMetrics(cfg.Metrics)
		}
	}
	return e, nil
}

// Close drains the actor queues and releases the store.
func (e *Engine) Close() error {
	e.actors.closeAll()
	return e.store.Close()
}

// Store exposes the underlying store for read-only diagnostics.
func (e *Engine) Store() *Store { return e.store }

// Places exposes the place engine.
func (e *Engine) Places() *PlaceEngine { return e.places }

// StartRecording resets the sampling filters and begins accepting
// sensor callbacks.
func (e *Engine) StartRecording(ctx context.Context) error {
	return e.actors.sampling.do(ctx, func() error {
		e.assembler = NewSampleAssembler(e.store, e.assembler.source, e.assembler.sourceVersion)
		e.recording = true
		e.log.Infof("[INFO] recording started")
		return nil
	})
}

// StopRecording stops sample production; sensor callbacks received
// while stopped are dropped.
func (e *Engine) StopRecording(ctx context.Context) error {
	return e.actors.sampling.do(ctx, func() error {
		e.recording = false
		e.log.Infof("[INFO] recording stopped")
		return nil
	})
}

// SetBackgrounded flips the host-visibility flag the classifier's
// power policy consults: while backgrounded, classification returns no
// result.
func (e *Engine) SetBackgrounded(ctx context.Context, backgrounded bool) error {
	return e.actors.classifier.do(ctx, func() error {
		e.backgrounded = backgrounded
		return nil
	})
}

// OnLocation delivers a raw location fix to the sampling pipeline.
func (e *Engine) OnLocation(fix KalmanFixInput, altitude, verticalAccuracy float64) {
	e.actors.sampling.go_(func() error {
		if !e.recording {
			return nil
		}
		e.assembler.OnLocation(fix, altitude, verticalAccuracy)
		return nil
	}, e.logSamplingError)
}

// OnMotion delivers an accelerometer reading.
func (e *Engine) OnMotion(r MotionReading) {
	e.actors.sampling.go_(func() error {
		if !e.recording {
			return nil
		}
		e.assembler.OnMotion(r)
		return nil
	}, e.logSamplingError)
}

// OnPedometer delivers a pedometer window.
func (e *Engine) OnPedometer(r PedometerReading) {
	e.actors.sampling.go_(func() error {
		if !e.recording {
			return nil
		}
		e.assembler.OnPedometer(r)
		return nil
	}, e.logSamplingError)
}

// OnHeartRate delivers a heart-rate reading.
func (e *Engine) OnHeartRate(bpm float64) {
	e.actors.sampling.go_(func() error {
		if !e.recording {
			return nil
		}
		e.assembler.OnHeartRate(bpm)
		return nil
	}, e.logSamplingError)
}

func (e *Engine) logSamplingError(err error) {
	e.log.Errorw("[ERROR] sampling", "error", err)
}

// Ping performs one deterministic recording tick: assemble a sample
// from the current filter state, persist it, and run the recorder's
// attach-or-open decision. It returns the assembled sample.
func (e *Engine) Ping(ctx context.Context, now time.Time) (*LocomotionSample, error) {
	var sample *LocomotionSample
	err := e.actors.sampling.do(ctx, func() error {
		s, err := e.assembler.Tick(ctx, now)
		if err != nil {
			return fmt.Errorf("assemble tick: %w", err)
		}
		sample = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.actors.timeline.do(ctx, func() error {
		return e.recorder.Record(ctx, sample)
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// Process runs the timeline processor to fixed point around itemID.
func (e *Engine) Process(ctx context.Context, itemID ID) error {
	return e.actors.timeline.do(ctx, func() error {
		return e.processor.ProcessWindow(ctx, itemID)
	})
}

// Prune applies the retention policy to one item's samples, deleting
// everything outside the kept set.
func (e *Engine) Prune(ctx context.Context, itemID ID) (int, error) {
	var deleted int
	err := e.actors.timeline.do(ctx, func() error {
		n, err := e.store.PruneItem(ctx, itemID, NewPruner())
		deleted = n
		return err
	})
	return deleted, err
}

// ClassifySequence classifies a run of samples through the classifier
// tree, honouring the backgrounded power policy.
func (e *Engine) ClassifySequence(ctx context.Context, samples []*LocomotionSample) (ActivityType, error) {
	var result ActivityType
	err := e.actors.classifier.do(ctx, func() error {
		a, err := e.tree.ClassifySequence(samples, e.backgrounded)
		result = a
		return err
	})
	return result, err
}

// TrainOnce runs at most one model-update round. The heavy training
// work runs on the calling goroutine, off every actor; only the final
// cache invalidation (inside the updater) touches classifier state.
func (e *Engine) TrainOnce(ctx context.Context) (bool, error) {
	if e.updater == nil {
		return false, fmt.Errorf("engine has no trainer configured")
	}
	return e.updater.RunOnce(ctx)
}

// Export runs a full bucketed export under baseDir on the persistence
// actor.
func (e *Engine) Export(ctx context.Context, baseDir string) (string, error) {
	var dir string
	err := e.actors.persistence.do(ctx, func() error {
		d, err := NewExporter(e.store).Export(ctx, baseDir, time.Now().UTC())
		dir = d
		return err
	})
	return dir, err
}

// Backup runs one incremental backup pass on the persistence actor.
func (e *Engine) Backup(ctx context.Context, baseDir string) (string, error) {
	var dir string
	err := e.actors.persistence.do(ctx, func() error {
		d, err := NewBackupSession(e.store).Run(ctx, baseDir, time.Now().UTC())
		dir = d
		return err
	})
	return dir, err
}

// Import replays a bucketed export tree into the store on the
// persistence actor.
func (e *Engine) Import(ctx context.Context, dir string) (ImportSummary, error) {
	var summary ImportSummary
	err := e.actors.persistence.do(ctx, func() error {
		s, err := NewImporter(e.store).Import(ctx, dir)
		summary = s
		return err
	})
	return summary, err
}
