package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/metrics"
	"go.uber.org/zap"
)

const preflightInterval = 15

// Scanner discovers reachable peers.
type Scanner interface {
	Scan(ctx context.Context) ([]string, error)
}

// Manager owns the configured transports. It routes sends by transport kind, runs the listeners and
// keeps track of which peer URLs have recently been seen.
type Manager struct {
	clock           clock.Clock
	config          *config.Config
	log             *zap.SugaredLogger
	sendersLock     sync.RWMutex
	senders         map[envelope.Transport]Sender
	listeners       []Listener
	scanner         Scanner
	finished        sync.WaitGroup
	cancelFunc      context.CancelFunc
	preflightStatus map[string]time.Time
	preflightLock   sync.RWMutex
	statusUpdater   func(string, bool)
}

func NewManager(config *config.Config, clock clock.Clock) *Manager {
	return &Manager{
		clock:           clock,
		config:          config,
		log:             config.Logger("transport/manager"),
		senders:         make(map[envelope.Transport]Sender),
		preflightStatus: make(map[string]time.Time),
	}
}

// Register routes sends for t to s.
func (m *Manager) Register(t envelope.Transport, s Sender) {
	m.sendersLock.Lock()
	defer m.sendersLock.Unlock()
	m.senders[t] = s
}

func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// SetScanner enables peer scanning for preflight checks.
func (m *Manager) SetScanner(s Scanner) {
	m.scanner = s
}

func (m *Manager) Available(t envelope.Transport) bool {
	m.sendersLock.RLock()
	defer m.sendersLock.RUnlock()
	_, ok := m.senders[t]
	return ok
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	for _, l := range m.listeners {
		if err := l.Start(); err != nil {
			return err
		}
	}
	if m.scanner != nil {
		m.startPreflightChecker(ctx)
	}
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}

	errors := make([]error, 0)
	for i := len(m.listeners) - 1; i >= 0; i-- {
		if err := m.listeners[i].Shutdown(); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) != 0 {
		return fmt.Errorf("errors encountered during shutdown: %#v", errors)
	}
	return nil
}

func (m *Manager) Send(ctx context.Context, out *Outbound) error {
	m.sendersLock.RLock()
	s, ok := m.senders[out.Transport]
	m.sendersLock.RUnlock()
	if !ok {
		metrics.Delivery(out.Transport.String(), "unavailable")
		return fmt.Errorf("%w: %s", ErrUnavailable, out.Transport)
	}

	err := s.Send(ctx, out)
	switch {
	case err == nil:
		metrics.Delivery(out.Transport.String(), "ok")
	case ctx.Err() != nil:
		metrics.Delivery(out.Transport.String(), "cancelled")
	default:
		metrics.Delivery(out.Transport.String(), "error")
	}
	return err
}

// Preflight reports, for each peer URL, whether it is believed reachable. A URL asked about for
// the first time is assumed reachable for two scan intervals.
func (m *Manager) Preflight(urls []string) []bool {
	m.preflightLock.Lock()
	defer m.preflightLock.Unlock()
	statuses := make([]bool, len(urls))
	for i, url := range urls {
		active, ok := m.preflightStatus[url]
		if !ok {
			statuses[i] = true
			m.preflightStatus[url] = m.clock.Now().Add(preflightInterval * 2 * time.Second)
			continue
		}
		statuses[i] = m.checkActive(active)
	}
	return statuses
}

func (m *Manager) StatusChanged(f func(string, bool)) {
	m.statusUpdater = f
}

func (m *Manager) startPreflightChecker(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			m.log.Debugf("performing preflight updates")
			start := m.clock.Now()

			reqCtx, cancelFn := context.WithDeadline(ctx, start.Add((preflightInterval-1)*time.Second))
			m.performPreflightUpdates(reqCtx)
			cancelFn()

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(start.Add(preflightInterval * time.Second))):
			}
		}
	}()
}

func (m *Manager) performPreflightUpdates(ctx context.Context) {
	entries, err := m.scanner.Scan(ctx)
	if err != nil {
		m.log.Debugf("scanning err %#v", err)
		return
	}
	m.seen(entries)
}

func (m *Manager) seen(entries []string) {
	m.preflightLock.Lock()
	defer m.preflightLock.Unlock()
	for _, e := range entries {
		last, ok := m.preflightStatus[e]
		if !ok {
			continue
		}
		m.log.Debugf("preflight scanned %s", e)
		wasActive := m.checkActive(last)
		m.preflightStatus[e] = m.clock.Now().Add(preflightInterval * time.Second)
		if m.statusUpdater != nil && !wasActive {
			go m.statusUpdater(e, true)
		}
	}
}

func (m *Manager) checkActive(t time.Time) bool {
	return m.clock.Now().Before(t)
}
