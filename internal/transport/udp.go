package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// UDPConfig tunes the multicast sockets.
type UDPConfig struct {
	Interface string // empty selects the system default
	TTL       int
	Loopback  bool
	QueueLen  int
	MaxPacket int
}

// UDPBus carries frames as IPv4 multicast datagrams.
type UDPBus struct {
	cfg    UDPConfig
	iface  *net.Interface
	logger *zap.Logger

	mu      sync.Mutex
	senders map[string]*net.UDPConn
	subs    map[*udpSub]struct{}
	closed  bool
}

func NewUDPBus(cfg UDPConfig, logger *zap.Logger) (*UDPBus, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 256
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = 65507
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %s: %w", cfg.Interface, err)
		}
		iface = ifi
	}

	return &UDPBus{
		cfg:     cfg,
		iface:   iface,
		logger:  logger,
		senders: make(map[string]*net.UDPConn),
		subs:    make(map[*udpSub]struct{}),
	}, nil
}

func groupAddr(b Binding) (*net.UDPAddr, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	ip := net.ParseIP(b.Address).To4()
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", b.Address)
	}
	return &net.UDPAddr{IP: ip, Port: b.Port}, nil
}

type udpSub struct {
	bus     *UDPBus
	binding Binding
	group   *net.UDPAddr
	pc      net.PacketConn
	p       *ipv4.PacketConn
	ch      chan Frame
	done    chan struct{}
	once    sync.Once
}

func (s *udpSub) Frames() <-chan Frame { return s.ch }

func (s *udpSub) Close() error {
	var err error
	s.once.Do(func() {
		if leaveErr := s.p.LeaveGroup(s.bus.iface, s.group); leaveErr != nil {
			err = fmt.Errorf("leave group %s: %w", s.group, leaveErr)
		}
		if closeErr := s.pc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		<-s.done

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

func (b *UDPBus) Subscribe(ctx context.Context, binding Binding) (Subscription, error) {
	group, err := groupAddr(binding)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", binding.Port))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", binding.Group(), err)
	}

	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(b.iface, group); err != nil {
		pc.Close()
		return nil, fmt.Errorf("join group %s: %w", group, err)
	}
	if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
		b.logger.Debug("Destination control messages unavailable", zap.Error(err))
	}

	sub := &udpSub{
		bus:     b,
		binding: binding,
		group:   group,
		pc:      pc,
		p:       p,
		ch:      make(chan Frame, b.cfg.QueueLen),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pc.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(sub)

	b.logger.Info("Joined multicast group",
		zap.String("binding", binding.String()))

	return sub, nil
}

func (b *UDPBus) readLoop(sub *udpSub) {
	defer close(sub.done)
	defer close(sub.ch)

	buf := make([]byte, b.cfg.MaxPacket)
	for {
		n, cm, _, err := sub.p.ReadFrom(buf)
		if err != nil {
			return
		}
		// Several groups may share the port.
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(sub.group.IP) {
			continue
		}
		frame, err := DecodeFrame(buf[:n])
		if err != nil {
			b.logger.Debug("Dropping undecodable datagram",
				zap.String("binding", sub.binding.String()),
				zap.Error(err))
			continue
		}
		if frame.Name != sub.binding.Name {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			// Consumer behind, frame lost
		}
	}
}

func (b *UDPBus) sender(binding Binding) (*net.UDPConn, error) {
	group, err := groupAddr(binding)
	if err != nil {
		return nil, err
	}
	key := group.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if conn, ok := b.senders[key]; ok {
		return conn, nil
	}

	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(b.cfg.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := p.SetMulticastLoopback(b.cfg.Loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if b.iface != nil {
		if err := p.SetMulticastInterface(b.iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	b.senders[key] = conn
	return conn, nil
}

func (b *UDPBus) Publish(ctx context.Context, binding Binding, f Frame) error {
	conn, err := b.sender(binding)
	if err != nil {
		return err
	}
	if f.Name == "" {
		f.Name = binding.Name
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("publish %s: %w", binding, err)
	}
	return nil
}

// Close leaves every group and closes all sockets.
func (b *UDPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*udpSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	senders := b.senders
	b.senders = make(map[string]*net.UDPConn)
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range senders {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
