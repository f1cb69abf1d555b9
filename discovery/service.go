// Package discovery finds IPC servers on the local network by UDP broadcast.
//
// Every running Service periodically broadcasts the servers listed in its
// LocalServers and collects the advertisements of other hosts. Servers advertised
// by the same process are never reported back.
package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPort is the UDP port used for discovery.
const DefaultPort uint16 = 55001

const maxDatagramSize = 64 * 1024

var (
	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("discovery already started")

	// ErrNotStarted is returned by Stop on a stopped service.
	ErrNotStarted = errors.New("discovery not started")
)

// Config configures the discovery service.
type Config struct {
	// Interval between two broadcasts.
	Interval time.Duration

	// User is the identity sent with every advertisement.
	User string

	// Targets overrides the broadcast addresses. Each entry is a host or IP; the
	// discovery port is appended.
	Targets []string

	// FoundBuffer is the capacity of the Found channel.
	FoundBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		FoundBuffer: 64,
	}
}

// Service broadcasts local servers and collects remote ones.
type Service struct {
	ctx    context.Context
	config Config
	local  *LocalServers
	found  chan Record

	mu      sync.Mutex
	running *run
	records map[string]Record
}

type run struct {
	conn    *net.UDPConn
	port    uint16
	selfIPs []net.IP
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped service.
func New(ctx context.Context, config Config, local *LocalServers) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.FoundBuffer <= 0 {
		config.FoundBuffer = defaults.FoundBuffer
	}
	if local == nil {
		local = NewLocalServers()
	}

	return &Service{
		ctx:     ctx,
		config:  config,
		local:   local,
		found:   make(chan Record, config.FoundBuffer),
		records: map[string]Record{},
	}
}

// Found delivers every newly found server. Records that do not fit into the
// channel are dropped from it but stay in FoundServers.
func (s *Service) Found() <-chan Record {
	return s.found
}

// Start opens the discovery socket on port and starts broadcasting. Port 0 picks a
// free port, which is then used as the broadcast destination too.
func (s *Service) Start(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return errors.WithStack(ErrAlreadyStarted)
	}

	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(s.ctx, "udp4", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return errors.Wrapf(err, "listening for discovery on port %d", port)
	}
	conn := pc.(*net.UDPConn)

	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{
		conn:    conn,
		port:    uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		selfIPs: interfaceIPs(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.running = r

	log := logger.Get(s.ctx).With(zap.Uint16("port", r.port))
	log.Info("Discovery started")

	go func() {
		defer close(r.done)

		err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
			spawn("receiver", parallel.Fail, func(ctx context.Context) error {
				return s.receive(ctx, r)
			})
			spawn("broadcaster", parallel.Fail, func(ctx context.Context) error {
				return s.broadcast(ctx, r)
			})
			spawn("closer", parallel.Fail, func(ctx context.Context) error {
				<-ctx.Done()
				_ = conn.Close()
				return errors.WithStack(ctx.Err())
			})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Discovery failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the socket and waits for the loops to exit. Found servers are kept.
func (s *Service) Stop() error {
	s.mu.Lock()
	r := s.running
	s.running = nil
	s.mu.Unlock()

	if r == nil {
		return errors.WithStack(ErrNotStarted)
	}

	r.cancel()
	<-r.done
	logger.Get(s.ctx).Info("Discovery stopped", zap.Uint16("port", r.port))
	return nil
}

// Port returns the port of the running service or 0.
func (s *Service) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == nil {
		return 0
	}
	return s.running.port
}

// FoundServers returns every server found and not released.
func (s *Service) FoundServers() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// ReleaseFoundServer forgets rec so its next advertisement is reported again.
func (s *Service) ReleaseFoundServer(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, rec.Key())
}

// ReleaseAllFoundServers forgets every found server.
func (s *Service) ReleaseAllFoundServers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = map[string]Record{}
}

func (s *Service) receive(ctx context.Context, r *run) error {
	log := logger.Get(ctx)
	buf := make([]byte, maxDatagramSize)

	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return errors.WithStack(ctx.Err())
			}
			log.Warn("Reading discovery datagram failed", zap.Error(err))
			continue
		}
		s.handleDatagram(ctx, r, addr, buf[:n])
	}
}

func (s *Service) handleDatagram(ctx context.Context, r *run, from *net.UDPAddr, data []byte) {
	log := logger.Get(ctx)

	adv, err := DecodeAdvertisement(data)
	if err != nil {
		log.Debug("Dropping datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if adv.Port != r.port {
		log.Debug("Dropping advertisement for another discovery port",
			zap.Stringer("from", from), zap.Uint16("port", adv.Port))
		return
	}

	// Port matches count only for our own datagrams; see LocalServers.Matches.
	fromSelf := containsIP(r.selfIPs, from.IP)
	for _, srv := range adv.Servers {
		if s.local.Matches(srv.ID, srv.Port, fromSelf) {
			continue
		}
		s.record(ctx, Record{
			User:     adv.User,
			Address:  from.IP,
			Port:     srv.Port,
			ServerID: srv.ID,
		})
	}
}

func (s *Service) record(ctx context.Context, rec Record) {
	s.mu.Lock()
	prev, exists := s.records[rec.Key()]
	if exists && prev.Equal(rec) {
		s.mu.Unlock()
		return
	}
	s.records[rec.Key()] = rec
	s.mu.Unlock()

	log := logger.Get(ctx).With(zap.String("user", rec.User), zap.String("addr", rec.Addr()),
		zap.String("serverID", rec.ServerID))
	if exists {
		log.Info("Server restarted", zap.String("previousServerID", prev.ServerID))
	} else {
		log.Info("Server found")
	}

	select {
	case s.found <- rec:
	default:
		log.Warn("Found channel full, record dropped")
	}
}

func (s *Service) broadcast(ctx context.Context, r *run) error {
	log := logger.Get(ctx)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.advertise(r); err != nil {
			log.Warn("Broadcasting advertisement failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Service) advertise(r *run) error {
	payload, err := EncodeAdvertisement(Advertisement{
		Port:    r.port,
		User:    s.config.User,
		Servers: s.local.List(),
	})
	if err != nil {
		return err
	}

	targets, err := s.targets(r.port)
	if err != nil {
		return err
	}

	var firstErr error
	for _, target := range targets {
		if _, err := r.conn.WriteToUDP(payload, target); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "sending to %s", target)
		}
	}
	return firstErr
}

func (s *Service) targets(port uint16) ([]*net.UDPAddr, error) {
	if len(s.config.Targets) > 0 {
		out := make([]*net.UDPAddr, 0, len(s.config.Targets))
		for _, host := range s.config.Targets {
			addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
			if err != nil {
				return nil, errors.WithStack(err)
			}
			out = append(out, addr)
		}
		return out, nil
	}

	ips, err := broadcastIPs()
	if err != nil {
		return nil, err
	}
	out := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.UDPAddr{IP: ip, Port: int(port)})
	}
	return out, nil
}

// broadcastIPs returns the directed broadcast address of every up,
// broadcast-capable IPv4 interface.
func broadcastIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipNet.Mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out, nil
}

func interfaceIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []net.IP{net.IPv4(127, 0, 0, 1)}
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			out = append(out, ipNet.IP)
		}
	}
	return out
}

func containsIP(ips []net.IP, ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}
