package ws

import (
	"sort"
	"sync"
)

// Presence counts open connections per user. It only knows about this process.
type Presence struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewPresence() *Presence {
	return &Presence{counts: make(map[string]int)}
}

// Connect reports whether this is the user's first open connection.
func (p *Presence) Connect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]++
	return p.counts[userID] == 1
}

// Disconnect reports whether the user's last connection closed.
func (p *Presence) Disconnect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[userID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(p.counts, userID)
		return true
	}
	p.counts[userID] = n - 1
	return false
}

func (p *Presence) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID] > 0
}

func (p *Presence) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.counts))
	for id := range p.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
