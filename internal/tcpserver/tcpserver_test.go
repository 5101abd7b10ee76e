//go:build linux

package tcpserver

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erdizz/libmary/internal/pollgroup"
)

func TestListenAcceptsConnections(t *testing.T) {
	group, err := pollgroup.Open(nil, nil)
	if err != nil {
		t.Fatalf("pollgroup.Open: %v", err)
	}
	defer group.Close()

	accepted := make(chan int, 1)
	srv, err := Listen("127.0.0.1:0", group, func(fd int, remote net.Addr) {
		accepted <- fd
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := group.Poll(100 * time.Millisecond); err != nil {
				return
			}
		}
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		close(stop)
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case fd := <-accepted:
		close(stop)
		<-done
		if fd < 0 {
			t.Fatal("expected a valid accepted fd")
		}
		unix.Close(fd)
	case <-time.After(2 * time.Second):
		close(stop)
		<-done
		t.Fatal("timed out waiting for accept dispatch")
	}
}
