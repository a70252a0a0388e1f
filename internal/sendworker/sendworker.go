// Package sendworker implements the send worker (spec.md §4.F): a
// long-running cooperative task that drains internal/queue with
// two-lane weighted fairness, dials each due message's contact via a
// ports.Transport, and classifies the outcome into retire / requeue /
// dead-letter.
//
// Worker runs as a single goroutine coordinated by a stop channel
// closed on Stop and a WaitGroup the goroutine signals on exit, with a
// starting/stopping handshake guarding against a double Start or Stop.
// It polls the persistent queue on an interval rather than waiting on
// an unbounded in-memory channel, since queued messages must survive a
// restart.
package sendworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CalebFields/Pigeon/internal/logx"
	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/ports"
	"github.com/CalebFields/Pigeon/internal/queue"
)

// Config holds the tunable parameters of a Worker (spec.md §4.F, §6).
type Config struct {
	FairnessRatio   int           // R, high-to-normal, default 3
	BaseBackoffSecs int64         // base_secs fed to requeue_with_backoff
	AttemptTimeout  time.Duration // timeout_ms bound on a single connect attempt
	PollInterval    time.Duration // sleep interval when dequeue() returns None
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		FairnessRatio:   3,
		BaseBackoffSecs: 1,
		AttemptTimeout:  10 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

// Worker is the concrete send worker.
type Worker struct {
	cfg       Config
	queue     *queue.Queue
	contacts  ports.ContactDirectory
	transport ports.Transport
	log       *logx.Logger
	fairness  *queue.FairnessState

	stop    chan struct{}
	stopped sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New wires a Worker over an already-open queue, contact directory
// and transport.
func New(cfg Config, q *queue.Queue, contacts ports.ContactDirectory, transport ports.Transport, log *logx.Logger) *Worker {
	if cfg.FairnessRatio < 1 {
		cfg.FairnessRatio = 1
	}
	return &Worker{
		cfg:       cfg,
		queue:     q,
		contacts:  contacts,
		transport: transport,
		log:       log,
		fairness:  queue.NewFairnessState(cfg.FairnessRatio),
	}
}

// Start launches the worker's background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.stop = make(chan struct{})
	w.stopped.Add(1)
	w.running = true
	go w.run()
}

// Stop signals the worker to exit between dequeue cycles and blocks
// until it has (spec.md §5 "A graceful shutdown signal cancels the
// send worker between dequeue cycles; an in-flight attempt is allowed
// to complete or time out").
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
	w.stopped.Wait()
}

func (w *Worker) run() {
	defer w.stopped.Done()
	w.log.Debug("send worker started")
	for {
		select {
		case <-w.stop:
			w.log.Debug("send worker stopped")
			return
		default:
		}

		processed, err := w.cycle()
		if err != nil {
			w.log.Errorf("send worker cycle: %v", err)
		}
		if processed {
			continue // drain while items remain due, per spec §4.F step 6
		}

		select {
		case <-w.stop:
			w.log.Debug("send worker stopped")
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// cycle runs one dequeue-and-attempt iteration. It returns
// processed=true when a message was dequeued (whether or not delivery
// succeeded), so run() knows whether to keep draining or sleep. A panic
// inside the cycle is recovered and reported as an error.
func (w *Worker) cycle() (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			processed, err = false, fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	msg, err := w.queue.Dequeue(w.fairness)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.attempt(msg)
	return true, nil
}

func (w *Worker) attempt(msg *model.QueuedMessage) {
	contact, ok, err := w.contacts.Resolve(msg.ContactID)
	if err != nil {
		w.log.Errorf("resolving contact %d: %v", msg.ContactID, err)
		w.giveUpOrRetry(msg, "contact lookup failed")
		return
	}
	if !ok {
		w.giveUpOrRetry(msg, "missing contact")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AttemptTimeout)
	defer cancel()

	kind, err := w.transport.Send(ctx, contact.Address, msg.Payload)
	if err != nil {
		w.giveUpOrRetry(msg, err.Error())
		return
	}

	switch kind {
	case ports.ResponseNACK:
		w.giveUpOrRetry(msg, "nack")
	case ports.ResponseReplay:
		// Already delivered on a prior attempt: terminal success,
		// retire without bumping the delivered-counter semantics of a
		// fresh ACK (spec.md §4.F step 5).
		w.retire(msg)
	default: // ACK
		w.retire(msg)
	}
}

func (w *Worker) retire(msg *model.QueuedMessage) {
	if err := w.queue.UpdateStatus(msg.ID, model.StatusDelivered, time.Now().Unix()); err != nil {
		w.log.Errorf("marking %s delivered: %v", msg.ID, err)
	}
}

func (w *Worker) giveUpOrRetry(msg *model.QueuedMessage, reason string) {
	requeued, err := w.queue.RequeueOrDeadLetter(msg, w.cfg.BaseBackoffSecs, reason)
	if err != nil {
		w.log.Errorf("requeue_or_dead_letter %s: %v", msg.ID, err)
		return
	}
	if !requeued {
		w.log.Infof("message %s dead-lettered: %s", msg.ID, reason)
	}
}
