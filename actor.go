package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// An actor is a single-consumer command queue: one goroutine owns all
// the state behind it, and commands submitted to it execute strictly
// in FIFO order. Callers block on the reply channel when they need the
// result, or fire and forget otherwise.
type actor struct {
	commands chan func()
}

func newActor() *actor {
	return &actor{commands: make(chan func(), 64)}
}

func (a *actor) run() error {
	for cmd := range a.commands {
		cmd()
	}
	return nil
}

// do submits fn to the actor and blocks until it has run, returning
// whatever error fn reports.
func (a *actor) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	cmd := func() { reply <- fn() }
	select {
	case a.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// go_ submits fn to run on the actor without waiting for it to finish.
// Errors never cross the actor boundary; they are handed to onErr.
func (a *actor) go_(fn func() error, onErr func(error)) {
	a.commands <- func() {
		if err := fn(); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// close stops accepting new commands; the consumer goroutine exits
// once the queue drains.
func (a *actor) close() {
	close(a.commands)
}

// actorSupervisors bundles the four single-threaded domains the engine
// runs on and owns their consumer goroutines as one group.
type actorSupervisors struct {
	sampling    *actor // location/motion/pedometer filters and the assembler
	timeline    *actor // exclusive owner of item and sample-item mutation
	classifier  *actor // model cache and classifier-tree composition
	persistence *actor // serializes export/import sessions

	group *errgroup.Group
}

func newActorSupervisors() *actorSupervisors {
	s := &actorSupervisors{
		sampling:    newActor(),
		timeline:    newActor(),
		classifier:  newActor(),
		persistence: newActor(),
		group:       new(errgroup.Group),
	}
	for _, a := range []*actor{s.sampling, s.timeline, s.classifier, s.persistence} {
		s.group.Go(a.run)
	}
	return s
}

// closeAll closes every queue and waits for the consumers to drain.
func (s *actorSupervisors) closeAll() {
	s.sampling.close()
	s.timeline.close()
	s.classifier.close()
	s.persistence.close()
	s.group.Wait()
}
