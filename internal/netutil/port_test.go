package netutil

import (
	"net"
	"testing"
)

func TestSelectBindAddrPreferredFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	got, err := SelectBindAddr(addr, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, addr)
	}
}

func TestSelectBindAddrFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free: %v", err)
	}
	freeAddr := free.Addr().String()
	_ = free.Close()

	got, err := SelectBindAddr(busy.Addr().String(), []string{busy.Addr().String(), freeAddr}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != freeAddr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, freeAddr)
	}
}

func TestSelectBindAddrNoFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	if _, err := SelectBindAddr(busy.Addr().String(), []string{"127.0.0.1:0"}, false); err == nil {
		t.Fatal("SelectBindAddr() = nil error; want preferred-in-use error")
	}
	if _, err := SelectBindAddr("", []string{busy.Addr().String()}, true); err == nil {
		t.Fatal("SelectBindAddr() = nil error; want no available address")
	}
}

func TestCandidateAddrs(t *testing.T) {
	got := CandidateAddrs("127.0.0.1", []int{8190, 8191})
	if len(got) != 2 || got[0] != "127.0.0.1:8190" || got[1] != "127.0.0.1:8191" {
		t.Fatalf("CandidateAddrs() = %v", got)
	}
	if v6 := CandidateAddrs("::1", []int{80}); v6[0] != "[::1]:80" {
		t.Fatalf("CandidateAddrs(::1) = %v", v6)
	}
}
