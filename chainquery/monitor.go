package chainquery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPollInterval is how often the deposit monitor re-queries the
// watched address when no interval is configured.
const DefaultPollInterval = 10 * time.Second

// queryTimeout bounds a single node query issued by the monitor.
const queryTimeout = 30 * time.Second

// MonitorConfig packages the dependencies of the deposit monitor.
type MonitorConfig struct {
	// Chain queries the watched address.
	Chain Chain

	// Address is the platform deposit address being watched.
	Address string

	// Ticker drives the polling loop. Tests install a force ticker.
	Ticker ticker.Ticker

	// OnNewOutputs is invoked from the monitor goroutine with outputs
	// that appeared at the address since the previous poll.
	OnNewOutputs func(map[cardano.OutputRef]cardano.Output)
}

// DepositMonitor polls an address for newly arrived outputs. Outputs seen in
// an earlier poll are not reported again for the lifetime of the monitor,
// even if they are spent and a new output reuses their position.
type DepositMonitor struct {
	started uint32
	stopped uint32

	cfg *MonitorConfig

	seen map[cardano.OutputRef]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDepositMonitor creates a monitor for the configured address.
func NewDepositMonitor(cfg *MonitorConfig) *DepositMonitor {
	return &DepositMonitor{
		cfg:  cfg,
		seen: make(map[cardano.OutputRef]struct{}),
		quit: make(chan struct{}),
	}
}

// Start begins polling. The first poll runs immediately so that outputs
// already at the address seed the seen set without being reported.
func (m *DepositMonitor) Start() error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return nil
	}

	log.Infof("DepositMonitor watching address=%s", m.cfg.Address)

	// Seed the seen set so pre-existing outputs are not credited as
	// fresh deposits on restart.
	outputs, err := m.queryOutputs()
	if err != nil {
		log.Warnf("Unable to seed deposit monitor: %v", err)
	} else {
		for ref := range outputs {
			m.seen[ref] = struct{}{}
		}
	}

	m.cfg.Ticker.Resume()

	m.wg.Add(1)
	go m.pollLoop()

	return nil
}

// Stop terminates the polling loop and waits for it to exit.
func (m *DepositMonitor) Stop() error {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return nil
	}

	log.Info("DepositMonitor shutting down")

	m.cfg.Ticker.Stop()
	close(m.quit)
	m.wg.Wait()

	return nil
}

// pollLoop re-queries the address on every tick and hands newly observed
// outputs to the callback.
func (m *DepositMonitor) pollLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			m.poll()

		case <-m.quit:
			return
		}
	}
}

// poll performs one query and reports outputs not seen before.
func (m *DepositMonitor) poll() {
	outputs, err := m.queryOutputs()
	if err != nil {
		log.Warnf("Deposit poll failed for %s: %v", m.cfg.Address,
			err)
		return
	}

	fresh := make(map[cardano.OutputRef]cardano.Output)
	for ref, output := range outputs {
		if _, ok := m.seen[ref]; ok {
			continue
		}

		m.seen[ref] = struct{}{}
		fresh[ref] = output
	}

	if len(fresh) == 0 {
		return
	}

	log.Debugf("Observed %d new output(s) at %s", len(fresh),
		m.cfg.Address)

	m.cfg.OnNewOutputs(fresh)
}

func (m *DepositMonitor) queryOutputs() (
	map[cardano.OutputRef]cardano.Output, error) {

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	return m.cfg.Chain.OutputsAt(ctx, m.cfg.Address)
}
