// Package udpring implements segment.Producer over UDP multicast: a
// concrete transport, not a reimplementation of the shared-ring-buffer
// itself (spec.md's Non-goals exclude that). It assumes an upstream
// ring-buffer-to-network bridge that emits one heap per datagram on the
// data group and one weights record per datagram on the weights group,
// mirroring how AudioReceiver in this codebase's ancestor treats each
// multicast datagram as one already-framed unit rather than re-deriving
// transport framing itself.
package udpring

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/ska-telescope/pst-stat-go/internal/compute"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
)

// Config describes one data+weights multicast stream pair.
type Config struct {
	DataGroup    string // "host:port", resolved via resolveMulticastAddr
	WeightsGroup string
	Iface        string // interface name; empty uses the default interface

	DataHeaderPath    string // in-band header file written by the upstream bridge
	WeightsHeaderPath string

	HeapsPerSegment int // heaps accumulated before NextSegment returns
	ReadBufferBytes int // per-socket OS receive buffer size; 0 uses 1 MiB
}

// Producer is a segment.Producer backed by two UDP multicast sockets.
type Producer struct {
	cfg   Config
	iface *net.Interface

	dataConn    *net.UDPConn
	weightsConn *net.UDPConn

	dataHdr    *header.Header
	weightsHdr *header.Header

	dataCh    chan []byte
	weightsCh chan []byte
	errCh     chan error

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	connected bool
	opened    bool
}

// New constructs an unconnected Producer for cfg.
func New(cfg Config) *Producer {
	if cfg.HeapsPerSegment <= 0 {
		cfg.HeapsPerSegment = 1
	}
	return &Producer{cfg: cfg}
}

// fnv1Hash is the FNV-1 (not FNV-1a) hash used to derive a multicast
// address from a hostname when DNS resolution fails.
func fnv1Hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5)
	for _, b := range data {
		hash *= 0x01000193
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr derives an administratively-scoped (239.0.0.0/8) multicast
// address from hostname, avoiding the .0 and .128 octet-3 ranges that
// alias onto the same Ethernet multicast MAC address.
func makeMaddr(hostname string) string {
	hash := fnv1Hash([]byte(hostname))
	addr := (uint32(239) << 24) | (hash & 0xffffff)
	if addr&0x007fff00 == 0 {
		addr |= (addr & 0xff) << 8
	}
	if addr&0x007fff00 == 0 {
		addr |= 0x00100000
	}
	return fmt.Sprintf("%d.%d.%d.%d", (addr>>24)&0xff, (addr>>16)&0xff, (addr>>8)&0xff, addr&0xff)
}

// resolveMulticastAddr resolves addrStr as a UDP address, falling back to
// a hash-derived multicast address when DNS resolution fails.
func resolveMulticastAddr(addrStr string) (*net.UDPAddr, error) {
	if addr, err := net.ResolveUDPAddr("udp", addrStr); err == nil {
		return addr, nil
	}

	parts := strings.SplitN(addrStr, ":", 2)
	hostname := parts[0]
	port := "0"
	if len(parts) > 1 {
		port = parts[1]
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("udpring: invalid port in address %s: %w", addrStr, err)
	}
	generated := fmt.Sprintf("%s:%d", makeMaddr(hostname), portNum)
	return net.ResolveUDPAddr("udp", generated)
}

func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, fmt.Errorf("udpring: no loopback interface found")
}

func setupMulticastSocket(addr *net.UDPAddr, iface *net.Interface, readBuf int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("udpring: listen %s: %w", addr, err)
	}
	udpConn := conn.(*net.UDPConn)

	if readBuf <= 0 {
		readBuf = 1024 * 1024
	}
	if err := udpConn.SetReadBuffer(readBuf); err != nil {
		log.Printf("udpring: warning: failed to set read buffer: %v", err)
	}

	p := ipv4.NewPacketConn(udpConn)
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("udpring: warning: failed to join multicast group on %s: %v", iface.Name, err)
		}
	}
	if loopback, err := getLoopbackInterface(); err == nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			log.Printf("udpring: warning: failed to join multicast group on loopback: %v", err)
		}
	}
	return udpConn, nil
}

// Connect resolves addresses and joins both multicast groups, failing
// with *segment.TimeoutError if timeout elapses before the sockets are
// ready. The in-band headers are loaded later, by Open.
func (p *Producer) Connect(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- p.connect()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return &segment.TimeoutError{Operation: "connect", Timeout: timeout}
	case <-ctx.Done():
		return &segment.TimeoutError{Operation: "connect", Timeout: timeout}
	}
}

func (p *Producer) connect() error {
	var iface *net.Interface
	if p.cfg.Iface != "" {
		var err error
		iface, err = net.InterfaceByName(p.cfg.Iface)
		if err != nil {
			return fmt.Errorf("udpring: interface %s: %w", p.cfg.Iface, err)
		}
	}
	p.iface = iface

	dataAddr, err := resolveMulticastAddr(p.cfg.DataGroup)
	if err != nil {
		return fmt.Errorf("udpring: resolve data group: %w", err)
	}
	weightsAddr, err := resolveMulticastAddr(p.cfg.WeightsGroup)
	if err != nil {
		return fmt.Errorf("udpring: resolve weights group: %w", err)
	}

	dataConn, err := setupMulticastSocket(dataAddr, iface, p.cfg.ReadBufferBytes)
	if err != nil {
		return err
	}
	weightsConn, err := setupMulticastSocket(weightsAddr, iface, p.cfg.ReadBufferBytes)
	if err != nil {
		dataConn.Close()
		return err
	}

	p.mu.Lock()
	p.dataConn = dataConn
	p.weightsConn = weightsConn
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Open loads the in-band headers and starts the receive loops.
func (p *Producer) Open() error {
	dataHdr, err := header.LoadFromFile(p.cfg.DataHeaderPath)
	if err != nil {
		return err
	}
	weightsHdr, err := header.LoadFromFile(p.cfg.WeightsHeaderPath)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.dataHdr = dataHdr
	p.weightsHdr = weightsHdr
	p.opened = true
	p.mu.Unlock()

	p.dataCh = make(chan []byte, 64)
	p.weightsCh = make(chan []byte, 64)
	p.errCh = make(chan error, 2)
	p.stopCh = make(chan struct{})

	p.wg.Add(2)
	go p.receiveLoop(p.dataConn, p.dataCh)
	go p.receiveLoop(p.weightsConn, p.weightsCh)
	return nil
}

func (p *Producer) receiveLoop(conn *net.UDPConn, out chan<- []byte) {
	defer p.wg.Done()
	buf := make([]byte, 1<<20)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.stopCh:
			default:
				select {
				case p.errCh <- err:
				default:
				}
			}
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case out <- datagram:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the receive loops and closes both sockets.
func (p *Producer) Close() error {
	p.mu.Lock()
	if !p.opened {
		p.mu.Unlock()
		return nil
	}
	p.opened = false
	stopCh := p.stopCh
	dataConn, weightsConn := p.dataConn, p.weightsConn
	p.mu.Unlock()

	close(stopCh)
	if dataConn != nil {
		dataConn.Close()
	}
	if weightsConn != nil {
		weightsConn.Close()
	}
	p.wg.Wait()
	return nil
}

// Disconnect marks the Producer unconnected. Sockets are already closed
// by Close; this only clears bookkeeping state.
func (p *Producer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Producer) DataHeader() *header.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataHdr
}

func (p *Producer) WeightsHeader() *header.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weightsHdr
}

// NextSegment accumulates HeapsPerSegment data datagrams (one heap each)
// and their corresponding weights datagrams into a single Segment. It
// returns segment.ErrEndOfData if the data socket closes cleanly
// (ReadFromUDP returning on a Close-initiated shutdown) before a heap
// boundary, and the context's error if ctx is cancelled first.
func (p *Producer) NextSegment(ctx context.Context) (compute.Segment, error) {
	var dataBuf []byte
	var weightsBuf []byte

	for h := 0; h < p.cfg.HeapsPerSegment; h++ {
		heap, err := p.nextDatagram(ctx, p.dataCh)
		if err != nil {
			return compute.Segment{}, err
		}
		dataBuf = append(dataBuf, heap...)

		w, err := p.nextDatagram(ctx, p.weightsCh)
		if err != nil {
			return compute.Segment{}, err
		}
		weightsBuf = append(weightsBuf, w...)
	}

	return compute.Segment{
		Data:    compute.Block{Data: dataBuf},
		Weights: compute.Block{Data: weightsBuf},
	}, nil
}

func (p *Producer) nextDatagram(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	select {
	case b, ok := <-ch:
		if !ok {
			return nil, segment.ErrEndOfData
		}
		return b, nil
	case err := <-p.errCh:
		return nil, fmt.Errorf("udpring: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, segment.ErrEndOfData
	}
}

var _ segment.Producer = (*Producer)(nil)
