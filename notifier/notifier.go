package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/enriquebris/goconcurrentqueue"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

// subscriberBuffer : per-listener channel depth; a listener that falls further
// behind loses events rather than stalling the dispatcher
const subscriberBuffer = 8

type stopSignal struct{}

// Notifier : fan-out publish point for job events. Publish never blocks the
// caller; events go through a concurrent FIFO drained by a single dispatcher
// goroutine, and delivery to listeners is best-effort. Authoritative job state
// lives in the job store, not here.
type Notifier struct {
	events goconcurrentqueue.Queue
	logger log.Logger

	mu     sync.Mutex
	subs   map[string]map[int]chan types.JobEvent
	nextID int
}

func NewNotifier(logger log.Logger) *Notifier {
	return &Notifier{
		events: goconcurrentqueue.NewFIFO(),
		logger: logger,
		subs:   make(map[string]map[int]chan types.JobEvent),
	}
}

// Publish : enqueue an event for asynchronous delivery
func (n *Notifier) Publish(event types.JobEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := n.events.Enqueue(event); err != nil {
		n.logger.Error(fmt.Sprintf("notifier enqueue failed for job %s: %s", event.JobID, err.Error()))
	}
}

// Run : drain the event queue and fan each event out to the job's current
// subscribers. Blocks until Stop is called; run as a goroutine.
func (n *Notifier) Run() {
	for {
		item, err := n.events.DequeueOrWaitForNextElement()
		if err != nil {
			n.logger.Error(fmt.Sprintf("notifier dequeue failed: %s", err.Error()))
			return
		}
		if _, ok := item.(stopSignal); ok {
			return
		}
		event, ok := item.(types.JobEvent)
		if !ok {
			continue
		}
		n.dispatch(event)
	}
}

// Stop : terminate the dispatcher after the queue drains up to the signal
func (n *Notifier) Stop() {
	if err := n.events.Enqueue(stopSignal{}); err != nil {
		n.logger.Error(fmt.Sprintf("notifier stop enqueue failed: %s", err.Error()))
	}
}

func (n *Notifier) dispatch(event types.JobEvent) {
	n.mu.Lock()
	channels := make([]chan types.JobEvent, 0, len(n.subs[event.JobID]))
	for _, ch := range n.subs[event.JobID] {
		channels = append(channels, ch)
	}
	n.mu.Unlock()
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			n.logger.Info(fmt.Sprintf("dropping event %s for slow subscriber of job %s", event.Type, event.JobID))
		}
	}
}

// Subscribe : receive events for one job until the returned cancel func runs.
// A listener that subscribes after an event fired simply misses it.
func (n *Notifier) Subscribe(jobID string) (<-chan types.JobEvent, func()) {
	ch := make(chan types.JobEvent, subscriberBuffer)
	n.mu.Lock()
	if n.subs[jobID] == nil {
		n.subs[jobID] = make(map[int]chan types.JobEvent)
	}
	n.nextID++
	id := n.nextID
	n.subs[jobID][id] = ch
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		if subs, ok := n.subs[jobID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(n.subs, jobID)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel
}
