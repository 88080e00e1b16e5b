package webhooks

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guildcore/backend/internal/events"
)

// Dispatcher delivers platform events to subscribed endpoints through a
// bounded worker pool. Deliveries retry three times with quadratic
// backoff; a full queue drops rather than blocks the event source.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan *deliveryJob
	logger   *log.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

type deliveryJob struct {
	sub     *Subscription
	event   *events.Event
	payload []byte
	attempt int
}

// NewDispatcher starts the worker pool. workers <= 0 defaults to 4.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan *deliveryJob, 1000),
		logger:   log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch fans one platform event out to its subscribers.
func (d *Dispatcher) Dispatch(event *events.Event) {
	subs := d.registry.Subscribers(event.Type, event.Subject)
	if len(subs) == 0 {
		return
	}
	payload, err := event.JSON()
	if err != nil {
		d.logger.Printf("❌ marshal event %s: %v", event.ID, err)
		return
	}
	for _, sub := range subs {
		if !d.enqueue(&deliveryJob{sub: sub, event: event, payload: payload, attempt: 1}) {
			d.logger.Printf("⚠️ Webhook queue full, dropping %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

// Run forwards events from the in-process bus until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ev)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ webhook request for %s: %v", job.sub.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guildcore-Event-Type", job.event.Type)
	req.Header.Set("X-Guildcore-Event-ID", job.event.ID)
	req.Header.Set("X-Guildcore-Delivery-Attempt", strconv.Itoa(job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Guildcore-Signature", "sha256="+Sign(job.payload, job.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.failed(job, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		d.failed(job, resp.Status)
		return
	}
	d.logger.Printf("✅ Webhook delivered: %s → %s", job.event.Type, job.sub.ID)
}

func (d *Dispatcher) failed(job *deliveryJob, reason string) {
	d.logger.Printf("❌ Webhook delivery failed (%s → %s): %s", job.event.ID, job.sub.ID, reason)
	d.registry.MarkFailed(job.sub.ID)
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	d.enqueue(job)
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
