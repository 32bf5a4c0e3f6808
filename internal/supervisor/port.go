package supervisor

import (
	"net"
	"strconv"
	"sync"

	"github.com/forgeserve/forge/internal/forgeerr"
)

// PortAllocator hands out free TCP ports from a base (spec C8), avoiding
// conflicts with ports this process already considers in use. Allocation
// is serialized by the allocator's own mutex, which is separate from the
// supervisor's handle-map mutex.
type PortAllocator struct {
	mu       sync.Mutex
	basePort int
	used     map[int]bool
}

// NewPortAllocator builds an allocator that starts scanning from base.
func NewPortAllocator(base int) *PortAllocator {
	return &PortAllocator{basePort: base, used: make(map[int]bool)}
}

// Allocate returns requested if it is ≥1024, free, and not already
// tracked as in use. A nonzero requested port below 1024 is rejected with
// a validation error; when requested is 0 or already taken, it scans
// upward from the base port for the smallest free one. The returned port
// is marked in-use until Release.
func (p *PortAllocator) Allocate(requested int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if requested > 0 {
		if requested < 1024 {
			return 0, forgeerr.Validation("PORT_TOO_LOW", "requested port must be >= 1024")
		}
		if !p.used[requested] && portFree(requested) {
			p.used[requested] = true
			return requested, nil
		}
	}

	for port := p.basePort; port < p.basePort+10000; port++ {
		if p.used[port] {
			continue
		}
		if portFree(port) {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, forgeerr.Unavailable("NO_FREE_PORT", "no free port found")
}

// Release returns a port to the free pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", addrFor(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func addrFor(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
