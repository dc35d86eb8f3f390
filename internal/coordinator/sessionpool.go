package coordinator

import (
	"sync"

	"github.com/pestctl/pestctl/internal/authority"
)

// sessionPool caches one authority session per site. Since the registry's
// per-site lock already serializes every reconciliation for a given site,
// only one goroutine ever touches a pooled session at a time; the mutex
// here just protects the map itself against concurrent sites.
type sessionPool struct {
	mu     sync.Mutex
	bySite map[uint32]*authority.Session
}

func newSessionPool() *sessionPool {
	return &sessionPool{bySite: make(map[uint32]*authority.Session)}
}

// acquire returns the pooled session for site, dialing and handshaking a
// fresh one via dial if none is cached.
func (p *sessionPool) acquire(site uint32, dial func() (*authority.Session, error)) (*authority.Session, error) {
	p.mu.Lock()
	s, ok := p.bySite[site]
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := dial()
	if err != nil {
		return nil, err
	}
	if err := s.Handshake(); err != nil {
		s.Close()
		return nil, err
	}

	p.mu.Lock()
	p.bySite[site] = s
	p.mu.Unlock()
	return s, nil
}

// evict drops and closes the pooled session for site, if any. Called after
// any authority error so the next SiteVisit opens a fresh session rather
// than reusing one left in an unknown state (spec.md §4.B: a session is
// poisoned once the authority errors).
func (p *sessionPool) evict(site uint32) {
	p.mu.Lock()
	s, ok := p.bySite[site]
	if ok {
		delete(p.bySite, site)
	}
	p.mu.Unlock()
	if ok {
		s.Close()
	}
}

// closeAll shuts down every pooled session. Used on supervisor shutdown.
func (p *sessionPool) closeAll() {
	p.mu.Lock()
	sessions := make([]*authority.Session, 0, len(p.bySite))
	for site, s := range p.bySite {
		sessions = append(sessions, s)
		delete(p.bySite, site)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
