// Package netmon models device connectivity for the sync workers.
//
// The stability predicate is pure: callers pass the current policy in
// rather than the predicate reaching into a settings store, so the upload
// processor's state machine stays testable.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Transport is the link the device is currently on.
type Transport string

const (
	// TransportNone means no usable link.
	TransportNone Transport = "none"
	// TransportWifi is a trusted local network.
	TransportWifi Transport = "wifi"
	// TransportCellular is a metered link.
	TransportCellular Transport = "cellular"
)

// Quality grades a metered link. Only meaningful for TransportCellular.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityHigh    Quality = "high"
	QualityLow     Quality = "low"
)

// Status is a point-in-time connectivity reading.
type Status struct {
	Connected bool
	Reachable bool
	Transport Transport
	Quality   Quality
}

// Policy holds the user's transfer preferences.
type Policy struct {
	// AllowMetered permits transfers over cellular links.
	AllowMetered bool
}

// Stable reports whether st is good enough to start or resume transfers:
// connected and reachable, on either a trusted local transport or a
// metered one the user has opted into that currently reports high quality.
func Stable(st Status, pol Policy) bool {
	if !st.Connected || !st.Reachable {
		return false
	}

	switch st.Transport {
	case TransportWifi:
		return true
	case TransportCellular:
		return pol.AllowMetered && st.Quality == QualityHigh
	default:
		return false
	}
}

// Monitor is the connectivity source the sync workers consume.
type Monitor interface {
	// Status returns the latest reading.
	Status() Status
	// Subscribe returns a channel that carries subsequent readings and an
	// unsubscribe func. The channel coalesces: a slow reader sees the
	// latest status, not every intermediate one.
	Subscribe() (<-chan Status, func())
}

// broadcaster fans a status out to subscriber channels. Each channel has
// capacity one and is drained before sending, so publishers never block
// and laggards observe only the newest value.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Status
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Status)}
}

func (b *broadcaster) subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Status, 1)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) publish(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// ManualMonitor is a Monitor fed by the host: the mobile shell forwards
// OS connectivity callbacks into Set. It also serves as the test double.
type ManualMonitor struct {
	mu sync.Mutex
	st Status
	bc *broadcaster
}

func NewManualMonitor(initial Status) *ManualMonitor {
	return &ManualMonitor{st: initial, bc: newBroadcaster()}
}

func (m *ManualMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.st
}

func (m *ManualMonitor) Subscribe() (<-chan Status, func()) {
	return m.bc.subscribe()
}

// Set records a new reading and notifies subscribers. Identical
// consecutive readings are dropped.
func (m *ManualMonitor) Set(st Status) {
	m.mu.Lock()
	if st == m.st {
		m.mu.Unlock()
		return
	}
	m.st = st
	m.mu.Unlock()

	m.bc.publish(st)
}

const probeTimeout = 5 * time.Second

// ProbeMonitor derives reachability by probing an HTTP endpoint on an
// interval. Transport and quality are fed in by the host (or fixed by
// daemon config); only reachability is measured. Any HTTP response counts
// as reachable, transport errors do not.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu sync.Mutex
	st Status
	bc *broadcaster
}

// NewProbeMonitor probes url every interval once Run is called. The
// monitor starts connected on the given transport but unreachable until
// the first probe succeeds.
func NewProbeMonitor(url string, interval time.Duration, transport Transport, quality Quality) *ProbeMonitor {
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: probeTimeout},
		st: Status{
			Connected: transport != TransportNone,
			Reachable: false,
			Transport: transport,
			Quality:   quality,
		},
		bc: newBroadcaster(),
	}
}

func (p *ProbeMonitor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.st
}

func (p *ProbeMonitor) Subscribe() (<-chan Status, func()) {
	return p.bc.subscribe()
}

// SetLink updates the transport/quality reading, for hosts that know the
// link type but want reachability probed.
func (p *ProbeMonitor) SetLink(transport Transport, quality Quality) {
	p.mu.Lock()
	st := p.st
	st.Transport = transport
	st.Quality = quality
	st.Connected = transport != TransportNone
	changed := st != p.st
	p.st = st
	p.mu.Unlock()

	if changed {
		p.bc.publish(st)
	}
}

// Run probes until ctx is cancelled. The first probe fires immediately.
func (p *ProbeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *ProbeMonitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	reachable := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			reachable = true
		}
	}

	p.setReachable(reachable)
}

func (p *ProbeMonitor) setReachable(reachable bool) {
	p.mu.Lock()
	if p.st.Reachable == reachable {
		p.mu.Unlock()
		return
	}
	p.st.Reachable = reachable
	st := p.st
	p.mu.Unlock()

	p.bc.publish(st)
}
