package coordinator

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	sup := New(Config{ListenAddr: ln.Addr().String()})
	err = sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded binding an already-taken address, want error")
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ready := make(chan string, 1)
	sup := New(Config{ListenAddr: "127.0.0.1:0", AuthorityAddr: "127.0.0.1:1"})
	sup.ready = ready

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never became ready")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil (clean shutdown)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
