package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/pestctl/pestctl/internal/authority"
	"github.com/pestctl/pestctl/internal/logger"
	"github.com/pestctl/pestctl/internal/reconcile"
	"github.com/pestctl/pestctl/internal/wire"
)

// connState is the per-connection state machine. Transitions only forward:
// AwaitHello -> Ready.
type connState int

const (
	stateAwaitHello connState = iota
	stateReady
)

var errConflictingCounts = errors.New("conflicting counts")

// handler owns one inbound TCP connection end to end: handshake, then a
// read loop dispatching SiteVisit reports. It is never shared across
// goroutines.
type handler struct {
	id      string
	conn    net.Conn
	sup     *Supervisor
	state   connState
	readBuf []byte
}

func newHandler(conn net.Conn, sup *Supervisor) *handler {
	return &handler{
		id:    uuid.NewString(),
		conn:  conn,
		sup:   sup,
		state: stateAwaitHello,
	}
}

// run drives the connection until it closes, the peer misbehaves, or ctx is
// cancelled. Errors are logged, never returned — one bad connection must
// never take down the supervisor.
func (h *handler) run(ctx context.Context) {
	defer h.conn.Close()

	// Closing the connection on cancellation unblocks a pending read.
	conn := h.conn
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := h.send(wire.Hello{Protocol: "pestcontrol", Version: 1}); err != nil {
		logger.Warn("coordinator: failed to send hello", "conn", h.id, "err", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := h.readMessage()
		if err != nil {
			if errors.Is(err, wire.ErrInvalidFrame) {
				logger.Info("coordinator: invalid frame, closing", "conn", h.id, "err", err)
				h.sendError("invalid frame")
			} else if !errors.Is(err, io.EOF) {
				logger.Info("coordinator: connection closed", "conn", h.id, "err", err)
			}
			return
		}

		if closeAfter := h.dispatch(ctx, msg); closeAfter {
			return
		}
	}
}

// dispatch handles one decoded message and reports whether the connection
// should now be closed.
func (h *handler) dispatch(ctx context.Context, msg wire.Message) (closeConn bool) {
	switch h.state {
	case stateAwaitHello:
		hello, ok := msg.(wire.Hello)
		if !ok || hello.Protocol != "pestcontrol" || hello.Version != 1 {
			h.sendError(fmt.Sprintf("expected hello, got %T", msg))
			return true
		}
		h.state = stateReady
		return false

	case stateReady:
		sv, ok := msg.(wire.SiteVisit)
		if !ok {
			h.sendError(fmt.Sprintf("unexpected message %T", msg))
			return true
		}
		return h.handleSiteVisit(ctx, sv)

	default:
		return true
	}
}

// handleSiteVisit validates and reconciles one SiteVisit report. Malformed
// reports close the connection; authority-side failures are logged and
// leave the registry in whatever state the acknowledged mutations
// produced, per spec.md §4.E/§7.
func (h *handler) handleSiteVisit(ctx context.Context, sv wire.SiteVisit) (closeConn bool) {
	observed, err := collapseObservations(sv.Observations)
	if err != nil {
		h.sendError("conflicting counts")
		return true
	}

	site := h.sup.registry.Site(sv.Site)
	site.Lock()
	defer site.Unlock()

	sess, err := h.sup.sessions.acquire(sv.Site, func() (*authority.Session, error) {
		return authority.Dial(ctx, h.sup.cfg.AuthorityAddr, h.sup.cfg.AuthorityTimeout, h.sup.cfg.MaxFrameSize)
	})
	if err != nil {
		logger.Warn("coordinator: authority session unavailable", "site", sv.Site, "err", err)
		return false
	}

	targets, err := sess.GetTargets(sv.Site)
	if err != nil {
		h.abortReconciliation(sv.Site, "get_targets", err)
		return false
	}

	current := site.Slice()
	plan := reconcile.Plan(observed, targets, current)

	for _, mut := range plan {
		switch mut.Kind {
		case reconcile.Delete:
			if err := sess.DeletePolicy(mut.PolicyID); err != nil {
				if _, ok := err.(*authority.RefusedError); ok {
					// Authority says this policy no longer exists: the
					// registry has drifted. Drop the stale entry locally
					// (spec.md §4.C), then stop this reconciliation like any
					// other failed mutation (§4.D) — the next SiteVisit
					// reconverges the rest.
					site.RemoveByPolicyID(mut.PolicyID)
					logger.Warn("coordinator: registry drift, dropping stale policy",
						"site", sv.Site, "species", mut.Species, "policy", mut.PolicyID)
				}
				h.abortReconciliation(sv.Site, "delete_policy", err)
				return false
			}
			site.Remove(mut.Species)

		case reconcile.Create:
			id, err := sess.CreatePolicy(mut.Species, mut.Action)
			if err != nil {
				h.abortReconciliation(sv.Site, "create_policy", err)
				return false
			}
			site.Insert(mut.Species, id, mut.Action)
		}
	}

	return false
}

// abortReconciliation logs an authority-side failure and evicts the
// poisoned session. The inbound client is never told — malformed client
// traffic is the only thing that closes its connection (spec.md §7).
func (h *handler) abortReconciliation(site uint32, op string, err error) {
	h.sup.sessions.evict(site)
	logger.Warn("coordinator: authority RPC failed", "site", site, "op", op, "err", err)
}

// collapseObservations folds a SiteVisit's observation list into a
// species->count map. Duplicate species with equal counts collapse
// silently; duplicate species with differing counts make the whole report
// malformed.
func collapseObservations(obs []wire.Observation) (map[string]uint32, error) {
	out := make(map[string]uint32, len(obs))
	for _, o := range obs {
		if existing, ok := out[o.Species]; ok {
			if existing != o.Count {
				return nil, errConflictingCounts
			}
			continue
		}
		out[o.Species] = o.Count
	}
	return out, nil
}

// readMessage blocks until one full frame has arrived, growing readBuf as
// needed (spec.md §4.E: maintain a growing read buffer, peek the length
// once >=5 bytes are buffered).
func (h *handler) readMessage() (wire.Message, error) {
	buf := make([]byte, 4096)
	for {
		msg, consumed, err := wire.Decode(h.readBuf, h.sup.cfg.MaxFrameSize)
		if err == nil {
			h.readBuf = h.readBuf[consumed:]
			return msg, nil
		}
		if err != wire.ErrIncomplete {
			return nil, err
		}

		n, rerr := h.conn.Read(buf)
		if n > 0 {
			h.readBuf = append(h.readBuf, buf[:n]...)
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func (h *handler) send(m wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_, err = h.conn.Write(frame)
	return err
}

func (h *handler) sendError(msg string) {
	if err := h.send(wire.ErrorMsg{Message: msg}); err != nil {
		logger.Warn("coordinator: failed to send error", "conn", h.id, "err", err)
	}
}
