package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/systmms/signkey/internal/logging"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager delivers events to its providers from a bounded queue so that
// slow endpoints never hold up a rotation.
type Manager struct {
	providers []Provider
	queue     chan Event
	logger    *logging.Logger

	wg      sync.WaitGroup
	pending sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}

	dropped atomic.Int64
}

// NewManager creates a manager. A queueSize of 0 means DefaultQueueSize.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		queue:  make(chan Event, queueSize),
		logger: logging.OrDiscard(logger),
		done:   make(chan struct{}),
	}
}

// RegisterProvider adds a provider.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Provider, len(m.providers))
	copy(out, m.providers)
	return out
}

// Start launches the delivery worker. It must be called before Send.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop drains the queue and stops the worker.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues an event. It never blocks: when the queue is full the event
// is dropped and counted.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.pending.Add(1)
	select {
	case m.queue <- event:
	default:
		m.pending.Done()
		m.dropped.Add(1)
		m.logger.Warn("notification queue full, dropped %s event for %s", event.Type, event.SecretID)
	}
}

// Flush waits until every queued event has been delivered or ctx is done.
// A Lambda invocation calls it before returning, since the execution
// environment is frozen between invocations.
func (m *Manager) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DroppedCount returns the number of events dropped on overflow.
func (m *Manager) DroppedCount() int64 {
	return m.dropped.Load()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event := <-m.queue:
			m.dispatchEvent(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(ctx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatchEvent(ctx context.Context, event Event) {
	defer m.pending.Done()
	for _, provider := range m.Providers() {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			m.logger.Warn("notification via %s failed for %s: %v", provider.Name(), event.SecretID, err)
			continue
		}
		m.logger.Debug("notification via %s delivered for %s", provider.Name(), event.SecretID)
	}
}
