package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// InactivityTimeout is how long a UDPSocket waits without any I/O
// before closing itself (spec.md §4 Data Model: "Inactivity").
const InactivityTimeout = 5 * time.Minute

const maxDatagramSize = 1500

// UDPSocket is the default Socket, grounded on the teacher's
// socket/udp6socket.go (ipv6.PacketConn) and socket/sockets.go
// (Socket interface), generalized to also drive IPv4 via
// golang.org/x/net/ipv4 the way junbin's coap_socket.go does.
type UDPSocket struct {
	conn      *net.UDPConn
	pconn4    *ipv4.PacketConn
	pconn6    *ipv6.PacketConn
	localAddr net.Addr

	rx     chan Datagram
	closed atomic.Bool
	log    *logrus.Entry

	lastIO   atomic.Int64 // unix nanos
	closeErr error
	closeMu  sync.Mutex
}

// ListenUDP opens a UDP socket on laddr (e.g. ":5683" or "[::]:5683")
// and starts its read loop. The TTL parameter, when > 0, is applied
// to outbound multicast datagrams (spec §9 Domain Stack: TTL/socket
// control via golang.org/x/net).
func ListenUDP(laddr string, ttl int, log *logrus.Entry) (*UDPSocket, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &UDPSocket{
		conn:      conn,
		localAddr: conn.LocalAddr(),
		rx:        make(chan Datagram, 64),
		log:       log,
	}
	s.touch()

	if addr.IP == nil || addr.IP.To4() != nil {
		s.pconn4 = ipv4.NewPacketConn(conn)
		if ttl > 0 {
			_ = s.pconn4.SetMulticastTTL(ttl)
		}
	} else {
		s.pconn6 = ipv6.NewPacketConn(conn)
		if ttl > 0 {
			_ = s.pconn6.SetMulticastHopLimit(ttl)
		}
	}

	go s.readLoop()
	go s.watchInactivity()
	return s, nil
}

// JoinMulticastGroup joins group on the named network interface,
// using whichever IP family this socket was opened on (grounded on
// udp6socket.go's JoinGroup call).
func (s *UDPSocket) JoinMulticastGroup(ifaceName string, group net.IP) error {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: group}
	if s.pconn6 != nil {
		return s.pconn6.JoinGroup(ifi, addr)
	}
	return s.pconn4.JoinGroup(ifi, addr)
}

func (s *UDPSocket) touch() {
	s.lastIO.Store(time.Now().UnixNano())
}

func (s *UDPSocket) watchInactivity() {
	ticker := time.NewTicker(InactivityTimeout / 4)
	defer ticker.Stop()
	for range ticker.C {
		if s.closed.Load() {
			return
		}
		last := time.Unix(0, s.lastIO.Load())
		if time.Since(last) >= InactivityTimeout {
			s.log.Info("transport: closing socket after inactivity")
			s.Close()
			return
		}
	}
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.closeMu.Lock()
			s.closeErr = err
			s.closeMu.Unlock()
			close(s.rx)
			return
		}
		s.touch()
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.rx <- Datagram{From: from, Data: cp}:
		default:
			s.log.Warn("transport: receive channel full, dropping datagram")
		}
	}
}

func (s *UDPSocket) WriteTo(data []byte, dest net.Addr) (int, error) {
	s.touch()
	return s.conn.WriteTo(data, dest)
}

func (s *UDPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *UDPSocket) ReceiveCh() <-chan Datagram { return s.rx }

func (s *UDPSocket) LocalAddr() net.Addr { return s.localAddr }

func (s *UDPSocket) ResolveAddr(hostport string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", hostport)
}
