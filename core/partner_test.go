package core

import (
	"testing"
	"time"

	"github.com/open-mx/openmx/cmn"
)

func TestPartnerTableLookupIsStable(t *testing.T) {
	cfg := cmn.DefaultConfig()
	pt := NewPartnerTable(cfg)
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	p1, err := pt.Lookup(0, mac, 3)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pt.Lookup(0, mac, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatal("expected the same Partner for the same (mac, remote endpoint)")
	}
	p3, err := pt.Lookup(0, mac, 4)
	if err != nil {
		t.Fatal(err)
	}
	if p3 == p1 {
		t.Fatal("expected a distinct Partner for a distinct remote endpoint index")
	}
}

func TestPartnerConnectFSM(t *testing.T) {
	cfg := cmn.DefaultConfig()
	pt := NewPartnerTable(cfg)
	mac := [6]byte{1, 1, 1, 1, 1, 1}
	p, _ := pt.Lookup(0, mac, 0)

	if p.State() != ConnectNone {
		t.Fatalf("expected NONE, got %v", p.State())
	}
	seqnum := p.NextConnectSeqnum()
	if err := p.BeginConnect(0xabc, seqnum); err != nil {
		t.Fatal(err)
	}
	if p.State() != ConnectSent {
		t.Fatalf("expected SENT, got %v", p.State())
	}

	waitCh := p.AwaitConnect()
	p.CompleteConnect(cmn.Success)
	if p.State() != ConnectEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", p.State())
	}
	select {
	case err := <-waitCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestPartnerSessionRestartResetsState(t *testing.T) {
	cfg := cmn.DefaultConfig()
	pt := NewPartnerTable(cfg)
	mac := [6]byte{2, 2, 2, 2, 2, 2}
	p, _ := pt.Lookup(0, mac, 0)

	if restarted := p.observeSession(100); restarted {
		t.Fatal("first observation should not count as a restart")
	}
	p.BeginConnect(1, p.NextConnectSeqnum())
	p.CompleteConnect(cmn.Success)
	if p.State() != ConnectEstablished {
		t.Fatal("expected ESTABLISHED before restart")
	}

	if restarted := p.observeSession(200); !restarted {
		t.Fatal("expected a session id change to be detected as a restart")
	}
	if p.State() != ConnectNone {
		t.Fatalf("expected state reset to NONE after restart, got %v", p.State())
	}
}

func TestPartnerPendingRetransmitRespectsDelay(t *testing.T) {
	cfg := cmn.DefaultConfig()
	cfg.Connect.ResendDelay = 50 * time.Millisecond
	cfg.Connect.RetransmitsMax = 1
	pt := NewPartnerTable(cfg)
	mac := [6]byte{3, 3, 3, 3, 3, 3}
	p, _ := pt.Lookup(0, mac, 0)

	p.BeginConnect(1, p.NextConnectSeqnum())
	now := time.Now()

	if _, _, _, ok := p.PendingRetransmit(now, cfg); ok {
		t.Fatal("should not be due immediately")
	}
	later := now.Add(60 * time.Millisecond)
	_, _, exhausted, ok := p.PendingRetransmit(later, cfg)
	if !ok || exhausted {
		t.Fatalf("expected one retransmit available, got ok=%v exhausted=%v", ok, exhausted)
	}
	// RetransmitsMax is 1 and we've now used it.
	_, _, exhausted, ok = p.PendingRetransmit(later.Add(60*time.Millisecond), cfg)
	if !ok || !exhausted {
		t.Fatalf("expected retransmits exhausted, got ok=%v exhausted=%v", ok, exhausted)
	}
}

func TestSeenConnectRequestDedup(t *testing.T) {
	cfg := cmn.DefaultConfig()
	pt := NewPartnerTable(cfg)
	mac := [6]byte{4, 4, 4, 4, 4, 4}
	if pt.SeenConnectRequest(mac, 1) {
		t.Fatal("first request should not be seen")
	}
	if !pt.SeenConnectRequest(mac, 1) {
		t.Fatal("repeated request should be detected as duplicate")
	}
}
