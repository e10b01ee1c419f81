package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// maxPacketSize bounds a single read; DHCP messages over UDP are far smaller.
const maxPacketSize = 8192

// Sweeper drops expired entries from the lease table.
type Sweeper interface {
	PurgeExpired() int
}

// ServerConfig controls the listening socket.
type ServerConfig struct {
	Interface     string
	SweepInterval time.Duration
}

// Server reads DHCP packets from one interface and hands them to a Processor
// one at a time, in arrival order.
type Server struct {
	cfg       ServerConfig
	processor *Processor
	sweeper   Sweeper
	logger    *log.Logger
}

func NewServer(cfg ServerConfig, processor *Processor, sweeper Sweeper, logger *log.Logger) (*Server, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, processor: processor, sweeper: sweeper, logger: logger}, nil
}

// Run listens on the DHCP server port until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	conn, err := server4.NewIPv4UDPConn(s.cfg.Interface, &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort})
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", s.cfg.Interface, err)
	}
	ready.Store(true)
	s.logger.Printf("INFO dhcp listening on %s port %d", s.cfg.Interface, dhcpv4.ServerPort)

	if s.sweeper != nil && s.cfg.SweepInterval > 0 {
		go s.sweep(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, conn)
	}()

	select {
	case err := <-errCh:
		ready.Store(false)
		if err != nil {
			return fmt.Errorf("dhcp serve: %w", err)
		}
	case <-ctx.Done():
		ready.Store(false)
		conn.Close()
		<-errCh
	}
	return nil
}

// Serve reads packets from conn until it is closed.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handle(ctx, conn, peer, buf[:n])
	}
}

func (s *Server) handle(ctx context.Context, conn net.PacketConn, peer net.Addr, data []byte) {
	udpPeer, ok := peer.(*net.UDPAddr)
	if !ok {
		s.processor.metrics.observeDropped(dropPort)
		s.logger.Printf("WARN drop packet from non-UDP peer %s", peer)
		return
	}
	req, err := dhcpv4.FromBytes(data)
	if err != nil {
		s.processor.metrics.observeDropped(dropDecode)
		s.logger.Printf("DEBUG drop undecodable packet from %s: %v", peer, err)
		return
	}

	resp := s.processor.Process(ctx, req, udpPeer.Port)
	if resp == nil {
		return
	}
	dst := &net.UDPAddr{IP: resp.Dest, Port: resp.Port}
	if resp.Unconfigured {
		// The socket cannot reach a client before it has an address.
		dst.IP = net.IPv4bcast
	}
	if _, err := conn.WriteTo(resp.Packet.ToBytes(), dst); err != nil {
		s.processor.metrics.observeDropped(dropWrite)
		s.logger.Printf("ERROR send %s to %s: %v", resp.Packet.MessageType(), dst, err)
	}
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweeper.PurgeExpired(); n > 0 {
				s.logger.Printf("DEBUG purged %d expired lease table entries", n)
			}
		}
	}
}
