package atc

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const pollerBacklog = 200
const pollerWorkers = 4
const workerMaximumJobDuration = 15 * time.Second

// PollFunc is run periodically against a device, it returns false to stop being polled.
type PollFunc func(context.Context, Product) bool

type poller struct {
	lookup func(string) Product

	pollerWork chan pollerWork
	pollerStop chan struct{}

	randLock *sync.Mutex
	rand     *rand.Rand
}

type pollerWork struct {
	identifier string
	interval   time.Duration
	fn         PollFunc
}

func newPoller(lookup func(string) Product) *poller {
	return &poller{
		lookup:     lookup,
		pollerWork: make(chan pollerWork, pollerBacklog),
		pollerStop: make(chan struct{}),
		randLock:   &sync.Mutex{},
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs the workers. Work added before Start is queued until then; a stopped poller can not be restarted.
func (p *poller) Start() {
	for i := 0; i < pollerWorkers; i++ {
		go p.worker(p.pollerWork, p.pollerStop)
	}
}

func (p *poller) Stop() {
	close(p.pollerStop)
}

// Add schedules fn against the device with identifier, first after a random part of interval so that jobs added
// together spread out.
func (p *poller) Add(identifier string, interval time.Duration, fn PollFunc) {
	p.randLock.Lock()
	initialWait := time.Duration(float64(interval) * p.rand.Float64())
	p.randLock.Unlock()

	work, stop := p.pollerWork, p.pollerStop

	time.AfterFunc(initialWait, func() {
		enqueue(work, stop, pollerWork{identifier: identifier, interval: interval, fn: fn})
	})
}

func enqueue(work chan pollerWork, stop chan struct{}, w pollerWork) {
	select {
	case work <- w:
	case <-stop:
	}
}

func (p *poller) worker(work chan pollerWork, stop chan struct{}) {
	for {
		select {
		case w := <-work:
			d := p.lookup(w.identifier)

			if d != nil {
				ctx, cancel := context.WithTimeout(context.Background(), workerMaximumJobDuration)

				if w.fn(ctx, d) {
					time.AfterFunc(w.interval, func() {
						enqueue(work, stop, w)
					})
				}

				cancel()
			}
		case <-stop:
			return
		}
	}
}
