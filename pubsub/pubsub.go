package pubsub

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify every subscriber of chanName that there is a new payload p.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop notifying. All subscriptions end.
	Close() error
}

// Subscription receives payloads on C in the order they were notified. Done is closed when the
// subscription ends, either by Close or because the subscriber fell too far behind.
type Subscription struct {
	C        <-chan Payload
	ch       chan Payload
	done     chan struct{}
	ps       *PubSub
	chanName string
	id       uint64
	dropped  bool
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports whether the subscription was ended because it could not keep up.
func (s *Subscription) Dropped() bool {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.ps.unsubscribe(s.chanName, s.id, false)
}

// PubSub fans each payload out to every subscriber of a channel. A subscriber which does not
// drain its buffer within the notify timeout is dropped, so one stuck consumer cannot stall
// the producer forever and no subscriber silently misses a payload.
type PubSub struct {
	mu            sync.Mutex
	subs          map[string]map[uint64]*Subscription
	nextID        uint64
	closed        bool
	bufferSize    int
	notifyTimeout time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		subs:          make(map[string]map[uint64]*Subscription),
		bufferSize:    bufferSize,
		notifyTimeout: 5 * time.Second,
	}
}

// Subscribe to chanName. Returns an error if the PubSub is closed.
func (ps *PubSub) Subscribe(chanName string) (*Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, fmt.Errorf("pubsub: closed")
	}
	ps.nextID++
	ch := make(chan Payload, ps.bufferSize)
	sub := &Subscription{
		C:        ch,
		ch:       ch,
		done:     make(chan struct{}),
		ps:       ps,
		chanName: chanName,
		id:       ps.nextID,
	}
	if ps.subs[chanName] == nil {
		ps.subs[chanName] = make(map[uint64]*Subscription)
	}
	ps.subs[chanName][sub.id] = sub
	return sub, nil
}

func (ps *PubSub) unsubscribe(chanName string, id uint64, dropped bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	sub, ok := ps.subs[chanName][id]
	if !ok {
		return
	}
	delete(ps.subs[chanName], id)
	sub.dropped = dropped
	close(sub.done)
}

// NumSubscribers returns how many subscriptions chanName has.
func (ps *PubSub) NumSubscribers(chanName string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs[chanName])
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	subs := make([]*Subscription, 0, len(ps.subs[chanName]))
	for _, sub := range ps.subs[chanName] {
		subs = append(subs, sub)
	}
	ps.mu.Unlock()
	var timedOut int
	for _, sub := range subs {
		if !ps.send(sub, p) {
			timedOut++
			logger.Warn().Str("chan", chanName).Str("payload", p.Type()).Msg("subscriber too slow, dropping it")
			ps.unsubscribe(chanName, sub.id, true)
		}
	}
	if timedOut > 0 {
		return fmt.Errorf("notify with payload %v timed out for %d subscribers", p.Type(), timedOut)
	}
	return nil
}

// send returns false on timeout. A subscription which ended meanwhile counts as delivered.
func (ps *PubSub) send(sub *Subscription, p Payload) bool {
	timer := time.NewTimer(ps.notifyTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- p:
		return true
	case <-sub.done:
		return true
	case <-timer.C:
		return false
	}
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subs := range ps.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.done)
		}
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
