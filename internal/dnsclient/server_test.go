package dnsclient

import (
	"encoding/base64"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

const (
	testKeyName = "update.example."
	testSecret  = "shared test secret"
)

func testKey() Key {
	return Key{Name: testKeyName, Algorithm: dns.HmacSHA256, Secret: []byte(testSecret)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// auth is a minimal in-process authoritative server that verifies TSIG
// and records every UPDATE it accepts.
type auth struct {
	mu          sync.Mutex
	answers     map[string][]dns.RR
	updates     []*dns.Msg
	updateRcode int
	tsigFailed  bool
}

func (a *auth) handle(w dns.ResponseWriter, r *dns.Msg) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.IsTsig() == nil || w.TsigStatus() != nil {
		a.tsigFailed = true
	}

	m := new(dns.Msg)
	m.SetReply(r)

	switch r.Opcode {
	case dns.OpcodeQuery:
		if len(r.Question) == 1 {
			m.Answer = a.answers[r.Question[0].Name]
		}
	case dns.OpcodeUpdate:
		a.updates = append(a.updates, r.Copy())
		if a.updateRcode != dns.RcodeSuccess {
			m.Rcode = a.updateRcode
		}
	}

	if r.IsTsig() != nil && w.TsigStatus() == nil {
		m.SetTsig(testKeyName, dns.HmacSHA256, 300, time.Now().Unix())
	}
	w.WriteMsg(m)
}

func startTestServer(t *testing.T, a *auth) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{
		PacketConn: pc,
		Handler:    dns.HandlerFunc(a.handle),
		TsigSecret: map[string]string{
			testKeyName: base64.StdEncoding.EncodeToString([]byte(testSecret)),
		},
		// The default accept func rejects dynamic updates outright;
		// this test server needs to accept OpcodeUpdate too.
		MsgAcceptFunc: func(dh dns.Header) dns.MsgAcceptAction {
			if dh.Bits>>11&0xF == dns.OpcodeUpdate {
				return dns.MsgAccept
			}
			return dns.DefaultMsgAcceptFunc(dh)
		},
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestQuery(t *testing.T) {
	a := &auth{answers: map[string][]dns.RR{
		"host.example.": {&dns.A{
			Hdr: dns.RR_Header{Name: "host.example.", Rrtype: dns.TypeA, Class: dns.ClassINET},
			A:   net.IPv4(203, 0, 113, 5),
		}},
	}}
	s := newServer(startTestServer(t, a), testKey(), testLogger())

	addrs, err := s.Query("host.example.", dns.TypeA)
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	want := []netip.Addr{netip.MustParseAddr("203.0.113.5")}
	if len(addrs) != 1 || addrs[0] != want[0] {
		t.Errorf("Query = %v, want %v", addrs, want)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tsigFailed {
		t.Error("server rejected the query's TSIG")
	}
}

func TestQueryEmpty(t *testing.T) {
	a := &auth{}
	s := newServer(startTestServer(t, a), testKey(), testLogger())

	addrs, err := s.Query("missing.example.", dns.TypeAAAA)
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("Query = %v, want empty", addrs)
	}
}

func TestUpdateDeleteThenAppend(t *testing.T) {
	a := &auth{}
	s := newServer(startTestServer(t, a), testKey(), testLogger())

	addr := netip.MustParseAddr("203.0.113.5")
	if err := s.Update("host.example.", addr, "example.", 300); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tsigFailed {
		t.Error("server rejected an update's TSIG")
	}
	if len(a.updates) != 2 {
		t.Fatalf("got %d update transactions, want 2", len(a.updates))
	}

	del := a.updates[0]
	if del.Question[0].Name != "example." {
		t.Errorf("delete zone = %q, want %q", del.Question[0].Name, "example.")
	}
	if len(del.Ns) != 1 {
		t.Fatalf("delete Ns = %v", del.Ns)
	}
	hdr := del.Ns[0].Header()
	if hdr.Name != "host.example." || hdr.Rrtype != dns.TypeA || hdr.Class != dns.ClassANY {
		t.Errorf("delete rr = %v, want ANY-class A rrset for host.example.", del.Ns[0])
	}

	app := a.updates[1]
	if len(app.Ns) != 1 {
		t.Fatalf("append Ns = %v", app.Ns)
	}
	rr, ok := app.Ns[0].(*dns.A)
	if !ok {
		t.Fatalf("append rr = %T, want *dns.A", app.Ns[0])
	}
	if !rr.A.Equal(net.IPv4(203, 0, 113, 5)) {
		t.Errorf("append addr = %v", rr.A)
	}
	if rr.Hdr.Ttl != 300 {
		t.Errorf("append ttl = %d, want 300", rr.Hdr.Ttl)
	}
	if rr.Hdr.Class != dns.ClassINET {
		t.Errorf("append class = %d, want IN", rr.Hdr.Class)
	}
}

func TestUpdateAAAADerivesZone(t *testing.T) {
	a := &auth{}
	s := newServer(startTestServer(t, a), testKey(), testLogger())

	addr := netip.MustParseAddr("2001:db8:abcd:1::10")
	if err := s.Update("self.example.", addr, "", 0); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.updates) != 2 {
		t.Fatalf("got %d update transactions, want 2", len(a.updates))
	}
	if zone := a.updates[0].Question[0].Name; zone != "example." {
		t.Errorf("derived zone = %q, want %q", zone, "example.")
	}
	rr, ok := a.updates[1].Ns[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("append rr = %T, want *dns.AAAA", a.updates[1].Ns[0])
	}
	if !rr.AAAA.Equal(net.ParseIP("2001:db8:abcd:1::10")) {
		t.Errorf("append addr = %v", rr.AAAA)
	}
}

func TestUpdateRcodeFailure(t *testing.T) {
	a := &auth{updateRcode: dns.RcodeServerFailure}
	s := newServer(startTestServer(t, a), testKey(), testLogger())

	err := s.Update("host.example.", netip.MustParseAddr("203.0.113.5"), "example.", 0)
	if err == nil {
		t.Fatal("Update succeeded, want error")
	}
	if !strings.Contains(err.Error(), "SERVFAIL") {
		t.Errorf("error = %v, want SERVFAIL mention", err)
	}

	// The failed DELETE must abort the call before the APPEND.
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.updates) != 1 {
		t.Errorf("got %d update transactions after failure, want 1", len(a.updates))
	}
}

func TestParentZone(t *testing.T) {
	cases := []struct{ in, want string }{
		{"host.example.org.", "example.org."},
		{"example.org.", "org."},
		{"org.", "."},
		{".", "."},
	}
	for _, tc := range cases {
		if got := parentZone(tc.in); got != tc.want {
			t.Errorf("parentZone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
