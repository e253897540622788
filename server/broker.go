// Package server implements the AIRU device broker: it scans the local
// USB backend for devices, publishes them to connecting clients, and
// pumps URB traffic between attached sessions and the backend that owns
// the physical hardware.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/airu-project/airu/backend"
	"github.com/airu-project/airu/compression"
	"github.com/airu-project/airu/protocol"
)

// Metrics are the broker's prometheus instruments, registered once by
// the caller (see cmd/server) and updated from the accept loop, the URB
// pump, and the inventory scanner.
type Metrics struct {
	publishedDevices prometheus.Gauge
	attachedDevices  prometheus.Gauge
	activeSessions   prometheus.Gauge
	attachFailures   prometheus.Counter
	urbsCompleted    prometheus.Counter
}

// NewMetrics creates and registers a Metrics set under reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airu_broker_published_devices", Help: "Devices currently published for attachment.",
		}),
		attachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airu_broker_attached_devices", Help: "Devices currently attached to a session.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airu_broker_active_sessions", Help: "Client sessions currently connected.",
		}),
		attachFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airu_broker_attach_failures_total", Help: "Attach requests that failed.",
		}),
		urbsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airu_broker_urbs_completed_total", Help: "URBs completed across all sessions.",
		}),
	}
	reg.MustRegister(m.publishedDevices, m.attachedDevices, m.activeSessions, m.attachFailures, m.urbsCompleted)
	return m
}

// Config controls broker behavior not implied by the backend or filter
// it's constructed with.
type Config struct {
	ListenAddr     string
	RescanInterval time.Duration
	SkipCRCCheck   bool
}

// Broker is the server-side device exporter: one Broker serves every
// client session over a single listener, backed by one Inventory.
type Broker struct {
	cfg       Config
	inventory *Inventory
	metrics   *Metrics
	logger    log.Logger

	endpointWorkers *endpointWorkerPool
	registry        *compression.Registry

	sessionsMu sync.Mutex
	sessions   map[uint32]*ClientSession
	nextID     atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint64]*urbContext
}

// NewBroker wires an inventory, metrics set and logger into a Broker
// ready to Serve.
func NewBroker(cfg Config, inv *Inventory, metrics *Metrics, logger log.Logger) (*Broker, error) {
	registry, err := compression.NewRegistry()
	if err != nil {
		return nil, errors.Wrap(err, "build compression registry")
	}
	b := &Broker{
		cfg:             cfg,
		inventory:       inv,
		metrics:         metrics,
		logger:          logger,
		endpointWorkers: newEndpointWorkerPool(),
		registry:        registry,
		sessions:        make(map[uint32]*ClientSession),
		pending:         make(map[uint64]*urbContext),
	}
	b.nextID.Store(1)
	return b, nil
}

// Serve composes the listener accept loop, the periodic inventory
// rescan, and graceful shutdown into one oklog/run.Group, the same
// lifecycle-composition idiom the reference config/main pairing uses
// for its gRPC server, kubelet registration, and socket watcher.
func (b *Broker) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	var g run.Group

	g.Add(func() error {
		return b.acceptLoop(ctx, listener)
	}, func(error) {
		listener.Close()
	})

	rescanCtx, cancelRescan := context.WithCancel(ctx)
	g.Add(func() error {
		return b.rescanLoop(rescanCtx)
	}, func(error) {
		cancelRescan()
	})

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {})

	return g.Run()
}

func (b *Broker) rescanLoop(ctx context.Context) error {
	interval := b.cfg.RescanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := b.inventory.Rescan(ctx); err != nil {
		level.Warn(b.logger).Log("msg", "initial inventory scan failed", "err", err)
	}
	b.metrics.publishedDevices.Set(float64(len(b.inventory.List())))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.inventory.Rescan(ctx); err != nil {
				level.Warn(b.logger).Log("msg", "inventory rescan failed", "err", err)
				continue
			}
			b.metrics.publishedDevices.Set(float64(len(b.inventory.List())))
		}
	}
}

func (b *Broker) acceptLoop(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return errors.Wrap(err, "accept")
			}
		}
		id := b.nextID.Add(1)
		session := newClientSession(id, conn, b.logger, b.registry)

		b.sessionsMu.Lock()
		b.sessions[id] = session
		b.sessionsMu.Unlock()
		b.metrics.activeSessions.Inc()

		go b.runSession(ctx, session)
	}
}

func (b *Broker) runSession(ctx context.Context, s *ClientSession) {
	defer func() {
		b.sessionsMu.Lock()
		delete(b.sessions, s.id)
		b.sessionsMu.Unlock()
		b.metrics.activeSessions.Dec()

		if s.markClosed() {
			for _, handle := range s.ownedDevices() {
				if err := b.inventory.Release(handle, s.id); err != nil {
					level.Warn(b.logger).Log("msg", "failed to release device on disconnect", "device", handle.ID, "err", err)
				}
				b.metrics.attachedDevices.Dec()
			}
		}
		s.conn.Close()
	}()

	dec := protocol.NewDecoder(s.conn, b.cfg.SkipCRCCheck)
	for {
		f, err := dec.Decode()
		if err != nil {
			if err != context.Canceled {
				level.Debug(b.logger).Log("msg", "session reader stopped", "session", s.id, "err", err)
			}
			return
		}
		if err := s.handleFrame(ctx, b, f); err != nil {
			level.Warn(b.logger).Log("msg", "failed to handle frame", "session", s.id, "kind", f.Type.String(), "err", err)
			return
		}
	}
}

func (b *Broker) trackURB(ucx *urbContext) {
	b.pendingMu.Lock()
	b.pending[ucx.urbID] = ucx
	b.pendingMu.Unlock()
}

func (b *Broker) cancelURB(urbID uint64) {
	b.pendingMu.Lock()
	delete(b.pending, urbID)
	b.pendingMu.Unlock()
}

func (b *Broker) resolveURB(urbID uint64) (*urbContext, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	ucx, ok := b.pending[urbID]
	if ok {
		delete(b.pending, urbID)
	}
	return ucx, ok
}

// completeSubmit issues the transfer against the backend device and
// writes the matching UsbCompleteUrb back to the owning session. It
// runs on a per-endpoint worker so completions on the same endpoint are
// always delivered in submission order, while different endpoints (and
// different sessions) proceed independently.
func (b *Broker) completeSubmit(ctx context.Context, s *ClientSession, dev backend.Device, h *protocol.UrbHeader, t *backend.Transfer) {
	if _, ok := b.resolveURB(h.UrbID); !ok {
		// Unlinked before it ran: complete it with status -1 and no data.
		if err := s.completeError(h, -1); err != nil {
			level.Warn(b.logger).Log("msg", "failed to deliver urb completion", "session", s.id, "err", err)
		}
		return
	}

	// Backend transfers time out after 5 seconds; expiry completes the
	// URB with a non-zero status.
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := dev.Submit(tctx, t)
	status := int32(0)
	data := t.Data
	length := uint32(len(t.Data))
	if h.Direction == protocol.DirectionOut {
		data = nil
	}
	if err != nil {
		status = -1
		data = nil
		length = 0
	}

	resp := &protocol.UsbCompleteUrb{
		Header: &protocol.UrbHeader{
			UrbID: h.UrbID, DeviceID: h.DeviceID, Type: h.Type, Direction: h.Direction,
			Endpoint: h.Endpoint, TransferLength: length, Status: status,
		},
		Data: data,
	}
	if err := s.send(&protocol.Frame{Type: protocol.KindUsbCompleteUrb, Payload: resp.Marshal()}); err != nil {
		level.Warn(b.logger).Log("msg", "failed to deliver urb completion", "session", s.id, "err", err)
		return
	}
	b.metrics.urbsCompleted.Inc()
}
