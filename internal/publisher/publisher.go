// Package publisher broadcasts freshly published meshes to streaming
// subscribers. Delivery is best effort: nothing is acknowledged, and a
// subscriber that falls behind loses events rather than slowing the service.
package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

var (
	// ErrNotRunning is returned by Subscribe before Start or after Stop.
	ErrNotRunning = errors.New("publisher not running")

	// ErrSubscriberLimit is returned when MaxClients subscribers are connected.
	ErrSubscriberLimit = errors.New("subscriber limit reached")
)

// Config holds publisher buffer sizes.
type Config struct {
	// QueueSize is the depth of the shared event queue.
	QueueSize int

	// ClientBuffer is the depth of each subscriber's queue.
	ClientBuffer int

	// MaxClients caps concurrent subscribers. Zero means unlimited.
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    16,
		ClientBuffer: 4,
		MaxClients:   32,
	}
}

// Event announces a new mesh. Geometry is shared with the snapshot and must
// be treated as read-only.
type Event struct {
	Seq       uint64             `json:"seq"`
	ID        string             `json:"uuid"`
	Frame     string             `json:"frame_id"`
	Stamp     time.Time          `json:"stamp"`
	Vertices  int                `json:"vertices"`
	Faces     int                `json:"faces"`
	Materials int                `json:"materials"`
	Textures  int                `json:"textures"`
	Geometry  *snapshot.Geometry `json:"geometry,omitempty"`
}

// Subscription is a registered subscriber.
type Subscription struct {
	ID     string
	Events <-chan *Event
	// IncludeGeometry asks for the full geometry view in each event.
	IncludeGeometry bool

	events chan *Event
	done   chan struct{}
}

// Done is closed when the subscription is removed or the publisher stops.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Publisher fans events out to subscribers.
type Publisher struct {
	config  Config
	metrics *observability.Collector

	eventCh   chan *Event
	clients   map[string]*Subscription
	clientsMu sync.RWMutex

	seq           atomic.Uint64
	clientCount   atomic.Int32
	droppedEvents atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Publisher. metrics may be nil.
func New(cfg Config, metrics *observability.Collector) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		metrics: metrics,
		eventCh: make(chan *Event, cfg.QueueSize),
		clients: make(map[string]*Subscription),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (p *Publisher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.wg.Add(1)
	go p.broadcastLoop()
	monitoring.Logf("[Publisher] started")
	return nil
}

// Stop ends the broadcast loop and releases every subscriber.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.done)
		delete(p.clients, id)
	}
	p.clientCount.Store(0)
	p.clientsMu.Unlock()
	monitoring.Logf("[Publisher] stopped")
}

// Publish queues an event for snap. It never blocks: when the queue is full
// the event is dropped.
func (p *Publisher) Publish(snap *snapshot.Snapshot) {
	if !p.running.Load() || snap == nil {
		return
	}
	ev := &Event{
		Seq:       p.seq.Add(1),
		ID:        snap.ID,
		Frame:     snap.Frame,
		Stamp:     snap.Stamp,
		Vertices:  snap.VertexCount(),
		Faces:     snap.FaceCount(),
		Materials: len(snap.Materials.Materials),
		Textures:  len(snap.Textures),
		Geometry:  &snap.Geometry,
	}
	select {
	case p.eventCh <- ev:
	default:
		dropped := p.droppedEvents.Add(1)
		p.metrics.IncEventsDropped()
		monitoring.Logf("[Publisher] DROPPED event %d for %s (total dropped: %d), queue full", ev.Seq, ev.ID, dropped)
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.eventCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				out := ev
				if !c.IncludeGeometry {
					trimmed := *ev
					trimmed.Geometry = nil
					out = &trimmed
				}
				select {
				case c.events <- out:
				default:
					// Slow subscriber.
					p.droppedEvents.Add(1)
					p.metrics.IncEventsDropped()
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe registers a subscriber. Callers must Unsubscribe when done.
// The limit check and the registration happen under one lock, and Stop
// clears the client map under the same lock, so a subscription is either
// rejected or released by Stop.
func (p *Publisher) Subscribe(includeGeometry bool) (*Subscription, error) {
	ch := make(chan *Event, p.config.ClientBuffer)
	sub := &Subscription{
		ID:              uuid.NewString(),
		Events:          ch,
		IncludeGeometry: includeGeometry,
		events:          ch,
		done:            make(chan struct{}),
	}

	p.clientsMu.Lock()
	if !p.running.Load() {
		p.clientsMu.Unlock()
		return nil, ErrNotRunning
	}
	if limit := p.config.MaxClients; limit > 0 && len(p.clients) >= limit {
		p.clientsMu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrSubscriberLimit, limit)
	}
	p.clients[sub.ID] = sub
	n := p.clientCount.Add(1)
	p.clientsMu.Unlock()

	monitoring.Logf("[Publisher] subscriber connected: %s (total: %d)", sub.ID, n)
	return sub, nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (p *Publisher) Unsubscribe(id string) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	var n int32
	if ok {
		close(c.done)
		delete(p.clients, id)
		n = p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()
	if ok {
		monitoring.Logf("[Publisher] subscriber disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		EventCount:    p.seq.Load(),
		DroppedEvents: p.droppedEvents.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// Stats contains publisher statistics.
type Stats struct {
	EventCount    uint64
	DroppedEvents uint64
	ClientCount   int32
	Running       bool
}
