package lease

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dhcpd/services/dhcpd/internal/params"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1234)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	zero       = netip.IPv4Unspecified()
	leaseTime  = 3600 * time.Second
	testClient = Client{HWAddr: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	otherMAC   = Client{HWAddr: net.HardwareAddr{6, 5, 4, 3, 2, 1}}
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func mac(last byte) Client {
	return Client{HWAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, last}}
}

func newTestRepository(t *testing.T, server string, bits int, excluded ...string) (*Repository, *fakeClock) {
	t.Helper()
	var ex []netip.Addr
	for _, s := range excluded {
		ex = append(ex, addr(s))
	}
	p, err := params.New(params.Options{
		ServerAddr:    addr(server),
		PrefixLength:  bits,
		ExcludedAddrs: ex,
		LeaseTime:     leaseTime,
	})
	if err != nil {
		t.Fatalf("params.New() error = %v", err)
	}
	clock := newFakeClock()
	return NewRepository(p, clock), clock
}

func scenarioRepository(t *testing.T) (*Repository, *fakeClock) {
	t.Helper()
	p, err := params.New(params.Options{
		ServerAddr:     addr("192.168.0.2"),
		PrefixLength:   20,
		DefaultRouters: []netip.Addr{addr("192.168.0.123"), addr("192.168.0.124")},
		DNSServers:     []netip.Addr{addr("192.168.0.126"), addr("192.168.0.127")},
		ExcludedAddrs:  []netip.Addr{addr("192.168.0.200"), addr("192.168.0.201")},
		LeaseTime:      leaseTime,
		LinkMTU:        1500,
	})
	if err != nil {
		t.Fatalf("params.New() error = %v", err)
	}
	clock := newFakeClock()
	return NewRepository(p, clock), clock
}

func mustVerify(t *testing.T, r *Repository) {
	t.Helper()
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func mustCommit(t *testing.T, r *Repository, c Client, a string) Lease {
	t.Helper()
	l, err := r.RequestLease(c, zero, addr(a), true, "")
	if err != nil {
		t.Fatalf("RequestLease(%s, %s) error = %v", c, a, err)
	}
	return l
}

func TestGetOfferLowestFree(t *testing.T) {
	r, clock := scenarioRepository(t)

	l, err := r.GetOffer(testClient, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("192.168.0.1") {
		t.Fatalf("GetOffer() addr = %s, want 192.168.0.1", l.Addr)
	}
	if want := clock.Now().Add(leaseTime); !l.Expiration.Equal(want) {
		t.Fatalf("GetOffer() expiration = %v, want %v", l.Expiration, want)
	}
	mustCommit(t, r, testClient, "192.168.0.1")

	// .2 is the server address.
	l, err = r.GetOffer(otherMAC, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("192.168.0.3") {
		t.Fatalf("GetOffer() addr = %s, want 192.168.0.3", l.Addr)
	}
	mustVerify(t, r)
}

func TestGetOfferSkipsExclusions(t *testing.T) {
	r, _ := newTestRepository(t, "10.0.0.1", 29, "10.0.0.2", "10.0.0.3")

	l, err := r.GetOffer(testClient, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("10.0.0.4") {
		t.Fatalf("GetOffer() addr = %s, want 10.0.0.4", l.Addr)
	}
}

func TestGetOfferIsPreview(t *testing.T) {
	r, _ := scenarioRepository(t)

	first, err := r.GetOffer(testClient, zero, netip.Addr{}, "host")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := r.GetOffer(testClient, zero, netip.Addr{}, "host")
		if err != nil {
			t.Fatalf("GetOffer() error = %v", err)
		}
		if again.Addr != first.Addr {
			t.Fatalf("GetOffer() #%d addr = %s, want %s", i, again.Addr, first.Addr)
		}
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d after previews, want 0", n)
	}

	// A preview does not reserve: another client is offered the same address.
	other, err := r.GetOffer(otherMAC, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if other.Addr != first.Addr {
		t.Fatalf("GetOffer() other addr = %s, want %s", other.Addr, first.Addr)
	}
}

func TestGetOfferReusesCurrentLease(t *testing.T) {
	r, _ := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")

	l, err := r.GetOffer(testClient, zero, addr("192.168.0.50"), "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("192.168.0.42") {
		t.Fatalf("GetOffer() addr = %s, want current lease 192.168.0.42", l.Addr)
	}
}

func TestGetOfferRequestedAddress(t *testing.T) {
	r, _ := scenarioRepository(t)
	mustCommit(t, r, otherMAC, "192.168.0.60")

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"free", "192.168.0.42", "192.168.0.42"},
		{"excluded", "192.168.0.200", "192.168.0.1"},
		{"server", "192.168.0.2", "192.168.0.1"},
		{"router", "192.168.0.123", "192.168.0.1"},
		{"taken", "192.168.0.60", "192.168.0.1"},
		{"other subnet", "10.0.0.5", "192.168.0.1"},
		{"broadcast", "192.168.15.255", "192.168.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := r.GetOffer(testClient, zero, addr(tt.requested), "")
			if err != nil {
				t.Fatalf("GetOffer() error = %v", err)
			}
			if l.Addr != addr(tt.want) {
				t.Fatalf("GetOffer() addr = %s, want %s", l.Addr, tt.want)
			}
		})
	}
}

func TestGetOfferRelay(t *testing.T) {
	r, _ := scenarioRepository(t)

	if _, err := r.GetOffer(testClient, addr("192.168.1.1"), netip.Addr{}, ""); err != nil {
		t.Fatalf("GetOffer() with on-link relay error = %v", err)
	}
	_, err := r.GetOffer(testClient, addr("10.1.1.1"), netip.Addr{}, "")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("GetOffer() with foreign relay error = %v, want ErrInvalidAddress", err)
	}
}

func TestGetOfferOutOfAddresses(t *testing.T) {
	r, _ := newTestRepository(t, "10.0.0.1", 30)
	mustCommit(t, r, testClient, "10.0.0.2")

	_, err := r.GetOffer(otherMAC, zero, netip.Addr{}, "")
	if !errors.Is(err, ErrOutOfAddresses) {
		t.Fatalf("GetOffer() error = %v, want ErrOutOfAddresses", err)
	}
}

func TestRequestLeaseSelecting(t *testing.T) {
	r, clock := scenarioRepository(t)

	l, err := r.RequestLease(testClient, zero, addr("192.168.0.42"), true, "laptop")
	if err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}
	want := Lease{
		Client:     testClient,
		Addr:       addr("192.168.0.42"),
		Expiration: clock.Now().Add(leaseTime),
		Hostname:   "laptop",
	}
	if diff := cmp.Diff(want, l, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Fatalf("RequestLease() mismatch (-want +got):\n%s", diff)
	}
	if got := r.Leases(); len(got) != 1 || got[0].Addr != l.Addr {
		t.Fatalf("Leases() = %v, want the committed lease", got)
	}
	mustVerify(t, r)
}

func TestRequestLeaseSelectingWithoutAddress(t *testing.T) {
	r, _ := scenarioRepository(t)
	_, err := r.RequestLease(testClient, zero, netip.Addr{}, true, "")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("RequestLease() error = %v, want ErrInvalidAddress", err)
	}
}

func TestRequestLeaseConflict(t *testing.T) {
	r, _ := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")

	_, err := r.RequestLease(otherMAC, zero, addr("192.168.0.42"), true, "")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("RequestLease() error = %v, want ErrInvalidAddress", err)
	}
	leases := r.Leases()
	if len(leases) != 1 || !leases[0].matches(testClient) {
		t.Fatalf("Leases() = %v, want only the first client's lease", leases)
	}
	mustVerify(t, r)
}

func TestRequestLeaseConcurrentClaims(t *testing.T) {
	r, _ := scenarioRepository(t)

	const clients = 32
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c Client) {
			defer wg.Done()
			_, err := r.RequestLease(c, zero, addr("192.168.0.42"), true, "")
			switch {
			case err == nil:
				mu.Lock()
				won++
				mu.Unlock()
			case !errors.Is(err, ErrInvalidAddress):
				t.Errorf("RequestLease() error = %v", err)
			}
		}(mac(byte(i)))
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d clients claimed the same address, want 1", won)
	}
	mustVerify(t, r)
}

func TestRequestLeaseUnassignable(t *testing.T) {
	r, _ := scenarioRepository(t)
	for _, a := range []string{"192.168.0.200", "192.168.0.2", "192.168.0.126", "192.168.16.1", "192.168.0.0"} {
		if _, err := r.RequestLease(testClient, zero, addr(a), true, ""); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("RequestLease(%s) error = %v, want ErrInvalidAddress", a, err)
		}
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", n)
	}
}

func TestRequestLeaseInitReboot(t *testing.T) {
	r, clock := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")

	if _, err := r.RequestLease(testClient, zero, addr("192.168.0.43"), false, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("init-reboot for another address error = %v, want ErrInvalidAddress", err)
	}

	clock.Advance(time.Minute)
	l, err := r.RequestLease(testClient, zero, addr("192.168.0.42"), false, "")
	if err != nil {
		t.Fatalf("init-reboot for held address error = %v", err)
	}
	if want := clock.Now().Add(leaseTime); !l.Expiration.Equal(want) {
		t.Fatalf("expiration = %v, want %v", l.Expiration, want)
	}

	// A client without a lease may claim a free address after a reboot.
	if _, err := r.RequestLease(otherMAC, zero, addr("192.168.0.77"), false, ""); err != nil {
		t.Fatalf("init-reboot for free address error = %v", err)
	}
	mustVerify(t, r)
}

func TestRequestLeaseRenewing(t *testing.T) {
	r, clock := scenarioRepository(t)
	first, err := r.RequestLease(testClient, zero, addr("192.168.0.42"), true, "laptop")
	if err != nil {
		t.Fatalf("RequestLease() error = %v", err)
	}

	clock.Advance(30 * time.Minute)
	renewed, err := r.RequestLease(testClient, addr("192.168.0.42"), netip.Addr{}, false, "")
	if err != nil {
		t.Fatalf("renew error = %v", err)
	}
	if !renewed.Expiration.After(first.Expiration) {
		t.Fatalf("renewed expiration %v not after %v", renewed.Expiration, first.Expiration)
	}
	if renewed.Hostname != "laptop" {
		t.Fatalf("renewed hostname = %q, want the stored one", renewed.Hostname)
	}

	if _, err := r.RequestLease(otherMAC, addr("192.168.0.42"), netip.Addr{}, false, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("renew by another client error = %v, want ErrInvalidAddress", err)
	}
	mustVerify(t, r)
}

func TestRequestLeaseMovesClient(t *testing.T) {
	r, _ := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")
	mustCommit(t, r, testClient, "192.168.0.43")

	leases := r.Leases()
	if len(leases) != 1 || leases[0].Addr != addr("192.168.0.43") {
		t.Fatalf("Leases() = %v, want a single lease on 192.168.0.43", leases)
	}
	mustVerify(t, r)
}

func TestRequestLeaseUnknownState(t *testing.T) {
	r, _ := scenarioRepository(t)
	_, err := r.RequestLease(testClient, zero, netip.Addr{}, false, "")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("RequestLease() error = %v, want ErrInvalidAddress", err)
	}
}

func TestReleaseLease(t *testing.T) {
	r, _ := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")
	mustCommit(t, r, otherMAC, "192.168.0.43")

	if r.ReleaseLease(otherMAC, addr("192.168.0.42")) {
		t.Fatalf("ReleaseLease() by wrong client removed a lease")
	}
	if r.ReleaseLease(testClient, addr("192.168.0.43")) {
		t.Fatalf("ReleaseLease() for wrong address removed a lease")
	}
	if r.ReleaseLease(testClient, addr("192.168.0.99")) {
		t.Fatalf("ReleaseLease() for unknown address removed a lease")
	}
	if n := r.ActiveCount(); n != 2 {
		t.Fatalf("ActiveCount() = %d after no-op releases, want 2", n)
	}

	if !r.ReleaseLease(testClient, addr("192.168.0.42")) {
		t.Fatalf("ReleaseLease() did not remove a matching lease")
	}
	leases := r.Leases()
	if len(leases) != 1 || leases[0].Addr != addr("192.168.0.43") {
		t.Fatalf("Leases() = %v, want only 192.168.0.43", leases)
	}
	mustVerify(t, r)
}

func TestExpiredLeaseReallocated(t *testing.T) {
	r, clock := newTestRepository(t, "10.0.0.1", 30)
	mustCommit(t, r, testClient, "10.0.0.2")

	clock.Advance(leaseTime)

	l, err := r.GetOffer(otherMAC, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() after expiry error = %v", err)
	}
	if l.Addr != addr("10.0.0.2") {
		t.Fatalf("GetOffer() addr = %s, want 10.0.0.2", l.Addr)
	}
	mustCommit(t, r, otherMAC, "10.0.0.2")
	mustVerify(t, r)

	if r.ReleaseLease(testClient, addr("10.0.0.2")) {
		t.Fatalf("expired owner released the new client's lease")
	}
	leases := r.Leases()
	if len(leases) != 1 || !leases[0].matches(otherMAC) {
		t.Fatalf("Leases() = %v, want the new client's lease", leases)
	}
}

func TestClientIDIdentity(t *testing.T) {
	r, _ := scenarioRepository(t)
	withID := Client{ID: []byte{0x01, 0xaa}, HWAddr: testClient.HWAddr}
	mustCommit(t, r, withID, "192.168.0.42")

	// Same hardware address, no client identifier: a different identity.
	if _, err := r.RequestLease(testClient, zero, addr("192.168.0.42"), true, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("RequestLease() error = %v, want ErrInvalidAddress", err)
	}

	// Same client identifier from another NIC: the same identity.
	moved := Client{ID: []byte{0x01, 0xaa}, HWAddr: otherMAC.HWAddr}
	l, err := r.GetOffer(moved, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("192.168.0.42") {
		t.Fatalf("GetOffer() addr = %s, want 192.168.0.42", l.Addr)
	}
	if !r.ReleaseLease(moved, addr("192.168.0.42")) {
		t.Fatalf("ReleaseLease() by client identifier failed")
	}
}

func TestDeclineLease(t *testing.T) {
	r, clock := newTestRepository(t, "10.0.0.1", 29)
	mustCommit(t, r, testClient, "10.0.0.2")

	if r.DeclineLease(otherMAC, addr("10.0.0.2")) {
		t.Fatalf("DeclineLease() of another client's address succeeded")
	}
	if r.DeclineLease(testClient, addr("10.0.0.1")) {
		t.Fatalf("DeclineLease() of the server address succeeded")
	}
	if !r.DeclineLease(testClient, addr("10.0.0.2")) {
		t.Fatalf("DeclineLease() of own address failed")
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d after decline, want 0", n)
	}
	if n := r.DeclinedCount(); n != 1 {
		t.Fatalf("DeclinedCount() = %d, want 1", n)
	}

	l, err := r.GetOffer(testClient, zero, addr("10.0.0.2"), "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("10.0.0.3") {
		t.Fatalf("GetOffer() addr = %s, want 10.0.0.3 while 10.0.0.2 cools down", l.Addr)
	}
	if _, err := r.RequestLease(otherMAC, zero, addr("10.0.0.2"), false, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("init-reboot onto declined address error = %v, want ErrInvalidAddress", err)
	}

	clock.Advance(leaseTime)
	if n := r.DeclinedCount(); n != 0 {
		t.Fatalf("DeclinedCount() = %d after cooldown, want 0", n)
	}
	l, err = r.GetOffer(testClient, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("10.0.0.2") {
		t.Fatalf("GetOffer() addr = %s, want 10.0.0.2 after cooldown", l.Addr)
	}
	mustVerify(t, r)
}

func TestDeclinedAddressReclaimedWhenExhausted(t *testing.T) {
	r, clock := newTestRepository(t, "10.0.0.1", 29)
	// Pool 10.0.0.1-10.0.0.6, server on .1.
	if !r.DeclineLease(mac(1), addr("10.0.0.4")) {
		t.Fatalf("DeclineLease(.4) failed")
	}
	clock.Advance(time.Second)
	if !r.DeclineLease(mac(1), addr("10.0.0.3")) {
		t.Fatalf("DeclineLease(.3) failed")
	}
	for i, a := range []string{"10.0.0.2", "10.0.0.5", "10.0.0.6"} {
		mustCommit(t, r, mac(byte(10+i)), a)
	}

	l, err := r.GetOffer(testClient, zero, netip.Addr{}, "")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if l.Addr != addr("10.0.0.4") {
		t.Fatalf("GetOffer() addr = %s, want the earliest declined 10.0.0.4", l.Addr)
	}
	if _, err := r.RequestLease(testClient, zero, l.Addr, true, ""); err != nil {
		t.Fatalf("RequestLease() for reclaimed address error = %v", err)
	}
	if n := r.DeclinedCount(); n != 1 {
		t.Fatalf("DeclinedCount() = %d, want 1", n)
	}
	mustVerify(t, r)
}

func TestPurgeExpired(t *testing.T) {
	r, clock := scenarioRepository(t)
	mustCommit(t, r, testClient, "192.168.0.42")
	r.DeclineLease(otherMAC, addr("192.168.0.43"))

	if n := r.PurgeExpired(); n != 0 {
		t.Fatalf("PurgeExpired() = %d before expiry, want 0", n)
	}
	clock.Advance(leaseTime + time.Second)
	if n := r.PurgeExpired(); n != 2 {
		t.Fatalf("PurgeExpired() = %d, want 2", n)
	}
	if len(r.byAddr) != 0 || len(r.byClient) != 0 || len(r.declined) != 0 {
		t.Fatalf("tables not empty after purge")
	}
	mustVerify(t, r)
}

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		name        string
		clientAddr  netip.Addr
		requested   netip.Addr
		serverIDSet bool
		want        RequestState
	}{
		{"selecting", zero, addr("192.168.0.42"), true, StateSelecting},
		{"selecting without address", zero, netip.Addr{}, true, StateSelecting},
		{"init-reboot", zero, addr("192.168.0.42"), false, StateInitReboot},
		{"renewing", addr("192.168.0.42"), netip.Addr{}, false, StateRenewing},
		{"renewing with stray option 50", addr("192.168.0.42"), addr("192.168.0.43"), false, StateRenewing},
		{"nothing", zero, netip.Addr{}, false, StateUnknown},
		{"invalid addrs", netip.Addr{}, netip.Addr{}, false, StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRequest(tt.clientAddr, tt.requested, tt.serverIDSet); got != tt.want {
				t.Fatalf("ClassifyRequest() = %s, want %s", got, tt.want)
			}
		})
	}
}
