package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler executes one task kind. Run returning an error triggers the retry
// policy; Failed runs exactly once when retries are exhausted (or the error
// is permanent) and must leave the entities in a terminal state.
type Handler struct {
	Run    func(ctx context.Context, t Task) error
	Failed func(ctx context.Context, t Task, errText string)
}

// PermanentError marks an error that no retry can fix (e.g. unsupported
// input); the runner finalizes immediately instead of backing off.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

type RunnerConfig struct {
	Queue       string
	Tries       int
	Backoff     time.Duration
	Concurrency int
}

type Runner struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      *RabbitPublisher
	cfg      RunnerConfig
	handlers map[string]Handler
}

func NewRunner(url string, cfg RunnerConfig) (*Runner, error) {
	if cfg.Tries <= 0 {
		cfg.Tries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Concurrency > 50 {
		cfg.Concurrency = 50
	}

	pub, err := NewRabbitPublisher(url, cfg.Queue)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		_ = pub.Close()
		return nil, err
	}

	return &Runner{
		conn:     conn,
		ch:       ch,
		pub:      pub,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}, nil
}

func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

func (r *Runner) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	if r.pub != nil {
		return r.pub.Close()
	}
	return nil
}

// Run blocks until ctx is cancelled, pulling deliveries into a bounded
// worker pool.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ch.Qos(r.cfg.Concurrency, 0, false); err != nil {
		return err
	}

	msgs, err := r.ch.Consume(r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	log.Printf("worker started queue=%s concurrency=%d tries=%d backoff=%s",
		r.cfg.Queue, r.cfg.Concurrency, r.cfg.Tries, r.cfg.Backoff)

	jobs := make(chan amqp.Delivery, r.cfg.Concurrency*2)

	var wg sync.WaitGroup
	wg.Add(r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				r.handleDelivery(ctx, workerID, d)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return errors.New("queue: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (r *Runner) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	var t Task
	if err := json.Unmarshal(d.Body, &t); err != nil || t.Kind == "" {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	h, ok := r.handlers[t.Kind]
	if !ok {
		log.Printf("worker=%d unknown task kind=%s", workerID, t.Kind)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := h.Run(ctx, t)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Printf("worker=%d ack failed kind=%s err=%v", workerID, t.Kind, ackErr)
		}
		return
	}

	log.Printf("worker=%d task failed task=%s kind=%s attempt=%d cost=%s err=%v",
		workerID, t.ID, t.Kind, t.Attempt, time.Since(start), err)

	switch NextStep(t, err, r.cfg.Tries) {
	case StepRetry:
		retry := t
		retry.Attempt++
		if pubErr := r.pub.PublishRetry(ctx, retry, r.cfg.Backoff); pubErr != nil {
			log.Printf("worker=%d retry publish failed task=%s kind=%s err=%v", workerID, t.ID, t.Kind, pubErr)
			// Could not park the retry; requeue the original delivery.
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)

	case StepFinalize:
		if h.Failed != nil {
			h.Failed(ctx, t, err.Error())
		}
		// Dead-letters to the DLQ via the main queue's x-dead-letter args.
		_ = d.Nack(false, false)
	}
}

type Step int

const (
	StepRetry Step = iota
	StepFinalize
)

// NextStep decides between another attempt and terminal finalization.
// Attempt counts completed tries, so with Tries=3 the sequence is attempts
// 0, 1, 2, then finalize.
func NextStep(t Task, err error, tries int) Step {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return StepFinalize
	}
	if t.Attempt+1 >= tries {
		return StepFinalize
	}
	return StepRetry
}
