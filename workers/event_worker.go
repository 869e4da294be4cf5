package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"

	"referral-rewards-engine/services"
)

// ErrQueueFull is returned when the bounded ingestion queue cannot accept more
// work; the upstream sender retries, every event is idempotent.
var ErrQueueFull = errors.New("event queue full")

type job struct {
	referral *services.ReferralRedeemedEvent
	delivery *services.DeliveryCompletedEvent
	reply    chan result
}

type result struct {
	res *services.EvaluationResult
	err error
}

// EventDispatcher feeds lifecycle events to the evaluator through bounded,
// per-referee sharded queues: all events for one referee land on the same
// worker, so that referee's ledger and progress are written by one goroutine
// at a time without a global lock.
type EventDispatcher struct {
	evaluator *services.EvaluatorService
	shards    []chan job
	wg        sync.WaitGroup
}

func NewEventDispatcher(evaluator *services.EvaluatorService, workers, queueSize int) *EventDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, queueSize)
	}
	return &EventDispatcher{evaluator: evaluator, shards: shards}
}

// Start launches one worker per shard. Workers drain until ctx is cancelled.
func (d *EventDispatcher) Start(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go func(n int, ch chan job) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-ch:
					r := d.run(j)
					if j.reply != nil {
						j.reply <- r
					} else if r.err != nil {
						log.Printf("[DISPATCHER] worker %d: event failed: %v", n, r.err)
					}
				}
			}
		}(i, ch)
	}
	log.Printf("[DISPATCHER] %d event workers started", len(d.shards))
}

// Wait blocks until all workers have stopped.
func (d *EventDispatcher) Wait() {
	d.wg.Wait()
}

func (d *EventDispatcher) run(j job) result {
	if j.referral != nil {
		res, err := d.evaluator.HandleReferralRedeemed(*j.referral)
		return result{res: res, err: err}
	}
	res, err := d.evaluator.HandleDeliveryCompleted(*j.delivery)
	return result{res: res, err: err}
}

func (d *EventDispatcher) shardFor(refereeID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(refereeID))
	return d.shards[int(h.Sum32())%len(d.shards)]
}

// ProcessReferralRedeemed routes the event to its referee's worker and waits
// for the definitive outcome, so HTTP ingestion can report success or the
// typed failure to the sender.
func (d *EventDispatcher) ProcessReferralRedeemed(ctx context.Context, ev services.ReferralRedeemedEvent) (*services.EvaluationResult, error) {
	return d.process(ctx, ev.RefereeID, job{referral: &ev})
}

// ProcessDeliveryCompleted routes a delivery event the same way.
func (d *EventDispatcher) ProcessDeliveryCompleted(ctx context.Context, ev services.DeliveryCompletedEvent) (*services.EvaluationResult, error) {
	return d.process(ctx, ev.RefereeID, job{delivery: &ev})
}

// EnqueueDeliveryCompleted is the fire-and-forget path for bus-delivered
// events: the outcome is logged by the worker, not reported to the sender.
func (d *EventDispatcher) EnqueueDeliveryCompleted(ev services.DeliveryCompletedEvent) error {
	return d.enqueue(ev.RefereeID, job{delivery: &ev})
}

func (d *EventDispatcher) enqueue(refereeID string, j job) error {
	select {
	case d.shardFor(refereeID) <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *EventDispatcher) process(ctx context.Context, refereeID string, j job) (*services.EvaluationResult, error) {
	j.reply = make(chan result, 1)
	select {
	case d.shardFor(refereeID) <- j:
	default:
		return nil, ErrQueueFull
	}
	select {
	case <-ctx.Done():
		// The event may still be applied by the worker; that is safe, the
		// sender's retry will hit the idempotency guard.
		return nil, ctx.Err()
	case r := <-j.reply:
		return r.res, r.err
	}
}
