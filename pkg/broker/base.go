package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// connCore is the shared connection state machine. Adapters embed it and
// drive transitions through setState / scheduleReconnect.
type connCore struct {
	mu         sync.Mutex
	state      ConnState
	reconnects int64
	bo         *backoff.ExponentialBackOff
	timer      *time.Timer
	name       string // adapter name for logs
}

func (c *connCore) initConn(name string, cfg map[string]any) {
	interval := time.Duration(config.Int(cfg, "reconnect_interval_seconds", 0)) * time.Second
	if interval <= 0 {
		interval = config.DefaultReconnectInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = config.MaxReconnectInterval
	bo.MaxElapsedTime = 0 // retry until closed
	bo.Reset()

	c.mu.Lock()
	c.name = name
	c.state = StateDisconnected
	c.bo = bo
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *connCore) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the adapter is usable for traffic.
func (c *connCore) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *connCore) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// closing marks the terminal transition and stops any pending reconnect.
// Returns false when already closing/closed.
func (c *connCore) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	c.state = StateClosing
	if c.timer != nil {
		c.timer.Stop()
	}
	return true
}

func (c *connCore) closed() {
	c.setState(StateClosed)
}

// scheduleReconnect transitions to RECONNECTING and retries connect on the
// backoff schedule. onConnected runs after a successful reconnect, giving
// subscribers the hook to re-establish their subscriptions. A retry chain
// already in flight absorbs further calls.
func (c *connCore) scheduleReconnect(connect func() error, onConnected func()) {
	c.mu.Lock()
	if c.state == StateReconnecting || c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	c.retryReconnect(connect, onConnected)
}

// retryReconnect arms the next attempt unconditionally; only the chain
// itself calls it after the first scheduling.
func (c *connCore) retryReconnect(connect func() error, onConnected func()) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	delay := c.bo.NextBackOff()
	name := c.name

	c.timer = time.AfterFunc(delay, func() {
		if c.State() == StateClosing || c.State() == StateClosed {
			return
		}
		if err := connect(); err != nil {
			slog.Warn("Broker reconnect failed, rescheduling",
				"adapter", name, "error", err)
			c.retryReconnect(connect, onConnected)
			return
		}
		c.mu.Lock()
		c.state = StateConnected
		c.bo.Reset()
		c.mu.Unlock()
		slog.Info("Broker reconnected", "adapter", name)
		if onConnected != nil {
			onConnected()
		}
	})
	c.mu.Unlock()

	slog.Info("Broker reconnect scheduled", "adapter", name, "delay", delay)
}

func (c *connCore) reconnectCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// publisherBase carries the topic set and counters shared by all publishers.
type publisherBase struct {
	connCore

	topicMu sync.RWMutex
	topics  map[string]bool

	published atomic.Int64
	failed    atomic.Int64
}

func (p *publisherBase) initPublisher(name string, cfg map[string]any) {
	p.initConn(name, cfg)
	p.topicMu.Lock()
	p.topics = make(map[string]bool)
	p.topicMu.Unlock()
}

// AddTopic registers a topic. Adapters that must declare broker-side
// resources override and call this afterwards.
func (p *publisherBase) AddTopic(topic string) error {
	p.topicMu.Lock()
	p.topics[topic] = true
	p.topicMu.Unlock()
	return nil
}

func (p *publisherBase) recordPublish(err error) {
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.published.Add(1)
}

func (p *publisherBase) topicCount() int {
	p.topicMu.RLock()
	defer p.topicMu.RUnlock()
	return len(p.topics)
}

func (p *publisherBase) statsSnapshot() PublisherStats {
	return PublisherStats{
		State:      p.State(),
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
		Reconnects: p.reconnectCount(),
		Topics:     p.topicCount(),
	}
}

// dispatchItem pairs an envelope with its destination's listener lookup key.
type dispatchItem struct {
	destination string
	env         *models.MessageEnvelope
}

// subscriberBase implements the bounded internal queue, the dispatch loop,
// and the listener registry shared by all subscribers.
//
// Backpressure: pollers consult Saturated() before pulling from the broker;
// while the queue is at capacity they leave messages with the broker. The
// queue itself never drops — enqueue blocks until the dispatcher drains.
type subscriberBase struct {
	connCore

	maxDepth int
	queue    chan dispatchItem

	listenerMu sync.RWMutex
	listeners  map[string]Listener

	paused atomic.Bool

	received   atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64

	dispatchOnce sync.Once
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func (s *subscriberBase) initSubscriber(name string, cfg map[string]any) {
	depth := config.Int(cfg, "backpressure_max_depth", config.DefaultBackpressureDepth)
	if depth <= 0 {
		depth = config.DefaultBackpressureDepth
	}

	s.initConn(name, cfg)
	s.maxDepth = depth
	s.queue = make(chan dispatchItem, depth)
	s.listeners = make(map[string]Listener)
	s.stopCh = make(chan struct{})
}

// addListener registers a destination listener.
func (s *subscriberBase) addListener(destination string, l Listener) {
	s.listenerMu.Lock()
	s.listeners[destination] = l
	s.listenerMu.Unlock()
}

// removeListener drops a destination listener. Returns false when absent.
func (s *subscriberBase) removeListener(destination string) bool {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if _, ok := s.listeners[destination]; !ok {
		return false
	}
	delete(s.listeners, destination)
	return true
}

func (s *subscriberBase) listener(destination string) (Listener, bool) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	l, ok := s.listeners[destination]
	return l, ok
}

// Subscriptions returns the registered destinations.
func (s *subscriberBase) Subscriptions() []string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	subs := make([]string, 0, len(s.listeners))
	for d := range s.listeners {
		subs = append(subs, d)
	}
	return subs
}

// Saturated reports whether the internal queue has reached its bound.
// Pollers skip their pull cycle while this holds.
func (s *subscriberBase) Saturated() bool {
	return len(s.queue) >= s.maxDepth
}

// Pause suspends dispatch-side consumption from the broker.
func (s *subscriberBase) Pause() {
	s.paused.Store(true)
	s.setState(StatePaused)
}

// Resume lifts a pause.
func (s *subscriberBase) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.setState(StateConnected)
	}
}

// Running reports whether poll loops should keep going.
func (s *subscriberBase) Running() bool {
	select {
	case <-s.stopCh:
		return false
	default:
		return true
	}
}

// Paused reports whether the subscriber is administratively paused.
func (s *subscriberBase) Paused() bool {
	return s.paused.Load()
}

// enqueue hands one envelope to the dispatch loop. Blocks while the queue
// is full (the poller should have checked Saturated first) and gives up
// when the subscriber stops.
func (s *subscriberBase) enqueue(destination string, env *models.MessageEnvelope) {
	s.received.Add(1)
	select {
	case s.queue <- dispatchItem{destination: destination, env: env}:
	case <-s.stopCh:
	}
}

// startDispatch launches the single dispatch goroutine. One drain loop per
// subscriber keeps per-destination ordering equal to broker ordering.
func (s *subscriberBase) startDispatch() {
	s.dispatchOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.stopCh:
					return
				case item := <-s.queue:
					s.dispatch(item)
				}
			}
		}()
	})
}

func (s *subscriberBase) dispatch(item dispatchItem) {
	l, ok := s.listener(item.destination)
	if !ok {
		s.failed.Add(1)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			slog.Error("Subscriber listener panicked",
				"destination", item.destination, "panic", r)
		}
	}()
	l(item.env)
	s.dispatched.Add(1)
}

// stopDispatch signals the poll and dispatch loops and waits for them.
func (s *subscriberBase) stopDispatch() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// QueueDepth returns the current internal queue depth.
func (s *subscriberBase) QueueDepth() int {
	return len(s.queue)
}

func (s *subscriberBase) statsSnapshot() SubscriberStats {
	s.listenerMu.RLock()
	subs := len(s.listeners)
	s.listenerMu.RUnlock()
	return SubscriberStats{
		State:       s.State(),
		Received:    s.received.Load(),
		Dispatched:  s.dispatched.Load(),
		Failed:      s.failed.Load(),
		Reconnects:  s.reconnectCount(),
		QueueDepth:  s.QueueDepth(),
		Subscribers: subs,
	}
}
