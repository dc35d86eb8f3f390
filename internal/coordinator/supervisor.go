// Package coordinator implements the server side of the pest control
// protocol: per-connection state machines that receive site-visit reports
// and drive reconciliation against the authority, and the supervisor that
// accepts inbound connections and owns the shared registry (spec.md §4.E,
// §4.F).
package coordinator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pestctl/pestctl/internal/logger"
	"github.com/pestctl/pestctl/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Config holds everything the supervisor and the sessions it spawns need.
type Config struct {
	ListenAddr       string
	ListenBacklog    int
	AuthorityAddr    string
	AuthorityTimeout time.Duration
	MaxFrameSize     uint32
}

// Supervisor binds the listening socket, spawns an isolated handler per
// inbound connection, and owns the registry shared across all of them. It
// implements no policy logic itself — that lives in handler.go and
// internal/reconcile.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	sessions *sessionPool

	// ready, if non-nil, receives the bound listen address exactly once
	// Run has successfully listened. Tests use it to discover the
	// ephemeral port chosen when ListenAddr ends in ":0".
	ready chan<- string
}

// New builds a supervisor with a fresh, empty registry.
func New(cfg Config) *Supervisor {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 1 << 20
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry.New(),
		sessions: newSessionPool(),
	}
}

// Run binds the listen address and serves until ctx is cancelled. It
// returns nil on a clean shutdown and a non-nil error if the bind itself
// fails or the accept loop dies for a reason other than shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	defer s.sessions.closeAll()

	if s.ready != nil {
		s.ready <- ln.Addr().String()
	}

	// net.ListenConfig has no portable backlog knob; the configured value
	// is carried through for documentation and for callers that wire a
	// platform-specific Control hook in the future. The OS default backlog
	// (tunable via net.core.somaxconn on Linux) applies here.
	logger.Info("coordinator listening", "addr", s.cfg.ListenAddr, "backlog", s.cfg.ListenBacklog)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			h := newHandler(conn, s)
			g.Go(func() error {
				h.run(gctx)
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
