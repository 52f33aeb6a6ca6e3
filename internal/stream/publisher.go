// Package stream publishes pilot ticks to gRPC watchers as
// google.protobuf.Struct messages.
package stream

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
)

var logf = monitoring.Prefixed("stream")

// Config holds configuration for the tick stream.
type Config struct {
	// ListenAddr is the gRPC listen address, e.g. "localhost:50061".
	ListenAddr string

	// MaxClients caps concurrent watchers. Zero means unlimited.
	MaxClients int

	// ClientBuffer is how many ticks a slow watcher may fall behind before
	// ticks are dropped for it.
	ClientBuffer int
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 32,
	}
}

const queueSize = 100

// Publisher fans tick records out to every connected watcher. It is a
// pilot.Observer; publishing never blocks the control loop.
type Publisher struct {
	cfg    Config
	server *grpc.Server

	ticks     chan *structpb.Struct
	clients   map[string]*watcher
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type watcher struct {
	id    string
	ticks chan *structpb.Struct
}

var _ pilot.Observer = (*Publisher)(nil)

// NewPublisher returns a Publisher with the Watch service registered on its
// gRPC server. Nothing is served until Start or Serve.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	p := &Publisher{
		cfg:     cfg,
		server:  grpc.NewServer(),
		ticks:   make(chan *structpb.Struct, queueSize),
		clients: make(map[string]*watcher),
		stopCh:  make(chan struct{}),
	}
	p.server.RegisterService(&ServiceDesc, &tickStreamServer{p: p})
	return p
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves watchers on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		logf("gRPC tick stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every watch and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	logf("gRPC tick stream stopped")
}

// ObserveTick publishes rec to every watcher.
func (p *Publisher) ObserveTick(rec pilot.TickRecord) {
	if !p.running.Load() {
		return
	}
	msg, err := TickToStruct(rec)
	if err != nil {
		logf("encode tick %s/%d: %v", rec.Session, rec.Seq, err)
		return
	}
	select {
	case p.ticks <- msg:
		p.published.Add(1)
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			logf("tick queue full, %d dropped", n)
		}
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.ticks:
			p.clientsMu.RLock()
			for _, w := range p.clients {
				select {
				case w.ticks <- msg:
				default:
					// Slow watcher: drop for this client only.
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (*watcher, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.cfg.MaxClients > 0 && len(p.clients) >= p.cfg.MaxClients {
		return nil, errTooManyClients
	}
	w := &watcher{id: uuid.NewString(), ticks: make(chan *structpb.Struct, p.cfg.ClientBuffer)}
	p.clients[w.id] = w
	n := p.clientCount.Add(1)
	logf("watcher %s connected (total: %d)", w.id, n)
	return w, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	logf("watcher %s disconnected (remaining: %d)", id, n)
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}

// TickToStruct flattens rec into the message sent to watchers.
func TickToStruct(rec pilot.TickRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"session":     rec.Session,
		"seq":         rec.Seq,
		"time":        rec.Time.UTC().Format(time.RFC3339Nano),
		"x":           rec.Measured.X,
		"y":           rec.Measured.Y,
		"psi":         rec.Measured.Psi,
		"speed":       rec.Measured.V,
		"cte":         rec.CTE,
		"epsi":        rec.EPsi,
		"delta":       rec.Delta,
		"accel":       rec.Accel,
		"steering":    rec.Steering,
		"throttle":    rec.Throttle,
		"reference":   list(rec.Reference),
		"predicted_x": list(rec.PredictedX),
		"predicted_y": list(rec.PredictedY),
		"status":      rec.Status,
		"iterations":  rec.Iterations,
		"cost":        rec.Cost,
		"solve_ms":    float64(rec.SolveTime) / float64(time.Millisecond),
		"fallback":    rec.Fallback,
	})
}

func list(v []float64) []interface{} {
	out := make([]interface{}, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}
