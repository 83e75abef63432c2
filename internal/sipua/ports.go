package sipua

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// portPool hands out even RTP ports from a fixed range. The odd neighbour
// is left for RTCP. A nil pool binds ephemeral ports.
type portPool struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	next    int
	inUse   map[int]bool
}

// newPortPool returns a pool for [minPort, maxPort], or nil when the range
// is unset.
func newPortPool(minPort, maxPort int) (*portPool, error) {
	if minPort == 0 && maxPort == 0 {
		return nil, nil
	}
	if minPort%2 != 0 {
		minPort++
	}
	if minPort <= 0 || maxPort > 65535 || minPort >= maxPort {
		return nil, fmt.Errorf("invalid RTP port range %d-%d", minPort, maxPort)
	}
	return &portPool{
		minPort: minPort,
		maxPort: maxPort,
		next:    minPort,
		inUse:   make(map[int]bool),
	}, nil
}

// listen binds the next free RTP port of the pool. Ports taken by other
// processes are skipped.
func (p *portPool) listen() (net.PacketConn, int, error) {
	if p == nil {
		return listenMedia()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := (p.maxPort - p.minPort + 1) / 2
	for i := 0; i < size; i++ {
		port := p.next
		p.next += 2
		if p.next >= p.maxPort {
			p.next = p.minPort
		}
		if p.inUse[port] {
			continue
		}

		conn, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		p.inUse[port] = true
		return &pooledConn{PacketConn: conn, release: func() { p.release(port) }}, port, nil
	}

	return nil, 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// allocated returns the number of ports in use.
func (p *portPool) allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// pooledConn returns its port to the pool on Close.
type pooledConn struct {
	net.PacketConn
	once    sync.Once
	release func()
}

func (c *pooledConn) Close() error {
	err := c.PacketConn.Close()
	c.once.Do(c.release)
	return err
}
