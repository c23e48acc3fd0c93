package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"

	"github.com/mirrorll/vitastor/config"
)

// Config configures the listener; mirrors the teacher's (commented-out)
// network/server.Config field-for-field, renamed from FinKV's generic
// network knobs to this package's own.
type Config struct {
	Addr         string
	IdleTimeout  time.Duration
	MaxConns     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromServerConfig adapts a config.ServerConfig loaded from the process
// config file into a transport.Config, filling in the teacher's defaults
// for anything left zero.
func FromServerConfig(sc config.ServerConfig) Config {
	cfg := Config{
		Addr:         sc.Addr,
		IdleTimeout:  sc.IdleTimeout,
		MaxConns:     sc.MaxConns,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8911"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 1000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg
}

// Server listens for Operation-API client connections and dispatches each
// request to a Handler. Grounded on the teacher's network/server.Server,
// uncommented and adapted from a RESP front end to this package's binary
// op framing.
type Server struct {
	cfg       Config
	handler   *Handler
	eventLoop netpoll.EventLoop

	conns  sync.Map
	connWg sync.WaitGroup

	stats *Stats

	ctx    context.Context
	cancel context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
}

// New creates a Server bound to addr, dispatching accepted connections'
// requests to handler.
func New(cfg Config, handler *Handler) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		handler: handler,
		stats:   &Stats{StartTime: time.Now()},
		ctx:     ctx,
		cancel:  cancel,
	}

	eventLoop, err := netpoll.NewEventLoop(
		func(ctx context.Context, conn netpoll.Connection) error {
			return s.handleConnection(ctx, conn)
		},
		netpoll.WithOnPrepare(func(connection netpoll.Connection) context.Context {
			return context.Background()
		}),
		netpoll.WithIdleTimeout(cfg.IdleTimeout),
		netpoll.WithReadTimeout(cfg.ReadTimeout),
		netpoll.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create netpoll event loop: %w", err)
	}
	s.eventLoop = eventLoop

	return s, nil
}

// Start begins serving on cfg.Addr. Blocks until Stop is called or the
// event loop fails.
func (s *Server) Start() error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return fmt.Errorf("transport: server already closed")
	}
	s.closeMu.RUnlock()

	listener, err := netpoll.CreateListener("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: create listener: %w", err)
	}

	log.Printf("transport: listening on %s", s.cfg.Addr)
	if err := s.eventLoop.Serve(listener); err != nil {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}

// Stop closes every active connection and shuts down the event loop.
func (s *Server) Stop() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.cancel()

	s.conns.Range(func(key, value interface{}) bool {
		if c, ok := value.(*Connection); ok {
			c.Close()
		}
		return true
	})
	s.connWg.Wait()

	return s.eventLoop.Shutdown(context.Background())
}

func (s *Server) handleConnection(ctx context.Context, nc netpoll.Connection) error {
	if atomic.LoadInt64(&s.stats.ConnCount) >= int64(s.cfg.MaxConns) {
		nc.Close()
		return fmt.Errorf("transport: max connections reached")
	}

	c := NewConnection(nc)
	s.conns.Store(nc, c)
	s.stats.IncrConnCount()
	s.connWg.Add(1)

	defer func() {
		c.Close()
		s.conns.Delete(nc)
		s.stats.DecrConnCount()
		s.connWg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		default:
			req, err := c.ReadRequest()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				s.stats.IncrErrorCount()
				return nil
			}

			resp := s.handler.Handle(req)
			if err := c.WriteResponse(resp); err != nil {
				s.stats.IncrErrorCount()
				return nil
			}
			s.stats.IncrCmdCount()
		}
	}
}
