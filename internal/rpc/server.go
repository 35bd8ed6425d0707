package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/loom/internal/logger"
)

// Server answers HELLO and GET_DEVICE_MEMORY for one device. Free and Total
// of zero are filled from host memory on every query.
type Server struct {
	Addr  string
	Free  uint64
	Total uint64
	Log   logger.Logger

	conns atomic.Int64
}

// Serve listens on Addr and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves connections from ln until ctx is done, then closes
// ln and every open connection and waits for their handlers.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	log := logger.OrDiscard(s.Log).With("addr", ln.Addr().String())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})

	log.Info("rpc server listening", "free", s.Free, "total", s.Total)
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("rpc accept: %w", err)
			}
			break
		}
		g.Go(func() error {
			s.handle(ctx, conn, log)
			return nil
		})
	}
	cancel()
	_ = g.Wait()
	log.Info("rpc server stopped")
	return acceptErr
}

// Conns reports the number of open connections.
func (s *Server) Conns() int64 {
	return s.conns.Load()
}

func (s *Server) handle(ctx context.Context, conn net.Conn, log logger.Logger) {
	s.conns.Add(1)
	defer s.conns.Add(-1)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log = log.With("remote", conn.RemoteAddr().String())
	log.Debug("rpc connection opened")
	hello := false
	for {
		cmd, payload, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("rpc read failed", "error", err)
			}
			return
		}
		if !hello && cmd != cmdHello {
			log.Warn("rpc command before hello", "cmd", cmd.String())
			return
		}
		var resp []byte
		switch cmd {
		case cmdHello:
			if len(payload) != 0 {
				log.Warn("rpc hello with payload", "bytes", len(payload))
				return
			}
			hello = true
			resp = []byte{ProtocolMajor, ProtocolMinor, ProtocolPatch}
		case cmdGetDeviceMemory:
			if len(payload) != 4 {
				log.Warn("rpc malformed memory query", "bytes", len(payload))
				return
			}
			resp = encodeMemory(s.memory(payload, log))
		default:
			log.Warn("rpc unsupported command", "cmd", cmd.String())
			return
		}
		if err := writeResponse(conn, resp); err != nil {
			log.Debug("rpc write failed", "error", err)
			return
		}
	}
}

// memory answers a query for the device id in payload. Only device 0
// exists; other devices report zero memory.
func (s *Server) memory(payload []byte, log logger.Logger) (free, total uint64) {
	if payload[0]|payload[1]|payload[2]|payload[3] != 0 {
		return 0, 0
	}
	free, total = s.Free, s.Total
	if free != 0 && total != 0 {
		return free, total
	}
	hf, ht, err := hostMemory()
	if err != nil {
		log.Warn("host memory detection failed", "error", err)
		return free, total
	}
	if free == 0 {
		free = hf
	}
	if total == 0 {
		total = ht
	}
	return free, total
}
