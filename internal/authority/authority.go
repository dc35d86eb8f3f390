// Package authority implements the coordinator's client session against the
// upstream Authority service: the same wire protocol as the inbound server,
// spoken as the dialing side. A Session is strictly request/response — one
// outstanding call at a time, no pipelining — and is scoped to a single
// site for its lifetime (spec.md §4.B).
package authority

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pestctl/pestctl/internal/wire"
)

// ProtocolError wraps any decode failure, unexpected message kind, or
// network error encountered while talking to the authority. The coordinator
// treats it as transient: abort the current reconciliation, close the
// session, log, and let the next SiteVisit reattempt (spec.md §7).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("authority: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// RefusedError is returned when the authority responds with an explicit
// Error message. Same treatment as ProtocolError: poison the session.
type RefusedError struct {
	Message string
}

func (e *RefusedError) Error() string { return fmt.Sprintf("authority refused: %s", e.Message) }

const protocol = "pestcontrol"
const protocolVersion = 1

// Session is one logical connection to the authority, handling at most one
// site. It is not safe for concurrent use — the coordinator serializes
// access to a site's session behind the registry's per-site lock.
type Session struct {
	conn     net.Conn
	timeout  time.Duration
	maxFrame uint32
	readBuf  []byte
	greeted  bool
}

// Dial opens a TCP connection to the authority at addr. It does not perform
// the handshake; call Handshake before any other operation.
func Dial(ctx context.Context, addr string, timeout time.Duration, maxFrame uint32) (*Session, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ProtocolError{Op: "dial", Err: err}
	}
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	return &Session{conn: conn, timeout: timeout, maxFrame: maxFrame}, nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Handshake sends our Hello and requires the authority's Hello to match
// protocol "pestcontrol" version 1.
func (s *Session) Handshake() error {
	if err := s.send(wire.Hello{Protocol: protocol, Version: protocolVersion}); err != nil {
		return &ProtocolError{Op: "handshake", Err: err}
	}
	msg, err := s.recv()
	if err != nil {
		return err
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return &ProtocolError{Op: "handshake", Err: fmt.Errorf("expected Hello, got %T", msg)}
	}
	if hello.Protocol != protocol || hello.Version != protocolVersion {
		return &ProtocolError{Op: "handshake", Err: fmt.Errorf("unexpected hello %q/%d", hello.Protocol, hello.Version)}
	}
	s.greeted = true
	return nil
}

// GetTargets asks the authority for the target population bands of site and
// requires a matching TargetPopulations in reply.
func (s *Session) GetTargets(site uint32) ([]wire.TargetBand, error) {
	if err := s.send(wire.DialAuthority{Site: site}); err != nil {
		return nil, &ProtocolError{Op: "get_targets", Err: err}
	}
	msg, err := s.recv()
	if err != nil {
		return nil, err
	}
	tp, ok := msg.(wire.TargetPopulations)
	if !ok {
		return nil, &ProtocolError{Op: "get_targets", Err: fmt.Errorf("expected TargetPopulations, got %T", msg)}
	}
	if tp.Site != site {
		return nil, &ProtocolError{Op: "get_targets", Err: fmt.Errorf("site mismatch: asked %d, got %d", site, tp.Site)}
	}
	return tp.Targets, nil
}

// CreatePolicy asks the authority to install a policy and returns its
// assigned id.
func (s *Session) CreatePolicy(species string, action wire.Action) (uint32, error) {
	if err := s.send(wire.CreatePolicy{Species: species, Action: action}); err != nil {
		return 0, &ProtocolError{Op: "create_policy", Err: err}
	}
	msg, err := s.recv()
	if err != nil {
		return 0, err
	}
	pr, ok := msg.(wire.PolicyResult)
	if !ok {
		return 0, &ProtocolError{Op: "create_policy", Err: fmt.Errorf("expected PolicyResult, got %T", msg)}
	}
	return pr.Policy, nil
}

// DeletePolicy retracts policyID and requires the authority's OK.
func (s *Session) DeletePolicy(policyID uint32) error {
	if err := s.send(wire.DeletePolicy{Policy: policyID}); err != nil {
		return &ProtocolError{Op: "delete_policy", Err: err}
	}
	msg, err := s.recv()
	if err != nil {
		return err
	}
	if _, ok := msg.(wire.OK); !ok {
		return &ProtocolError{Op: "delete_policy", Err: fmt.Errorf("expected OK, got %T", msg)}
	}
	return nil
}

func (s *Session) send(m wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	_, err = s.conn.Write(frame)
	return err
}

// recv blocks for exactly one frame, growing readBuf as needed. An
// authority Error frame is surfaced as RefusedError rather than returned as
// a message, since no caller ever wants to type-switch on it.
func (s *Session) recv() (wire.Message, error) {
	if s.timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	for {
		msg, consumed, err := wire.Decode(s.readBuf, s.maxFrame)
		if err == nil {
			s.readBuf = s.readBuf[consumed:]
			if em, ok := msg.(wire.ErrorMsg); ok {
				return nil, &RefusedError{Message: em.Message}
			}
			return msg, nil
		}
		if err != wire.ErrIncomplete {
			return nil, &ProtocolError{Op: "decode", Err: err}
		}

		buf := make([]byte, 4096)
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			s.readBuf = append(s.readBuf, buf[:n]...)
		}
		if rerr != nil {
			return nil, &ProtocolError{Op: "read", Err: rerr}
		}
	}
}
