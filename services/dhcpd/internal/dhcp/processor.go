package dhcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dhcpd/services/dhcpd/internal/lease"
	"dhcpd/services/dhcpd/internal/params"
)

const tracerName = "dhcpd/services/dhcpd/internal/dhcp"

// Drop reasons reported in logs and the packets_dropped_total counter.
const (
	dropOpcode      = "opcode"
	dropHWAddr      = "hwaddr"
	dropPort        = "port"
	dropMessageType = "message_type"
	dropServerID    = "server_id"
	dropRelay       = "relay"
	dropNoAddress   = "no_address"
	dropInternal    = "internal"
	dropDecode      = "decode"
	dropWrite       = "write"
)

// LeaseRepository is the lease table the processor allocates from;
// *lease.Repository implements it.
type LeaseRepository interface {
	GetOffer(c lease.Client, relayAddr, requestedAddr netip.Addr, hostname string) (lease.Lease, error)
	RequestLease(c lease.Client, clientAddr, requestedAddr netip.Addr, serverIDSet bool, hostname string) (lease.Lease, error)
	ReleaseLease(c lease.Client, addr netip.Addr) bool
	DeclineLease(c lease.Client, addr netip.Addr) bool
}

// Response is a packet to send and where to send it.
//
// Unconfigured marks a reply addressed to yiaddr for a client that has no
// address yet. The client cannot answer ARP for Dest, so a transport without
// a way to install a neighbor entry must broadcast instead.
type Response struct {
	Packet       *dhcpv4.DHCPv4
	Dest         net.IP
	Port         int
	Unconfigured bool
}

// Processor runs the server side of the RFC 2131 exchange for one packet at a
// time.
type Processor struct {
	params  *params.ServingParams
	repo    LeaseRepository
	clock   lease.Clock
	logger  *log.Logger
	metrics *Metrics
	events  Publisher
	tracer  trace.Tracer
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

func WithLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithPublisher sends lease events to pub. Publish is called inline, so pub
// should not block; wrap brokers in an AsyncPublisher.
func WithPublisher(pub Publisher) ProcessorOption {
	return func(p *Processor) { p.events = pub }
}

// NewProcessor binds a processor to its serving params and lease table.
func NewProcessor(sp *params.ServingParams, repo LeaseRepository, clock lease.Clock, opts ...ProcessorOption) (*Processor, error) {
	if sp == nil {
		return nil, errors.New("serving params are required")
	}
	if repo == nil {
		return nil, errors.New("lease repository is required")
	}
	if clock == nil {
		clock = lease.SystemClock{}
	}
	p := &Processor{
		params: sp,
		repo:   repo,
		clock:  clock,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p, nil
}

// transaction is the per-packet view of a request.
type transaction struct {
	req           *dhcpv4.DHCPv4
	client        lease.Client
	clientAddr    netip.Addr
	relayAddr     netip.Addr
	requestedAddr netip.Addr
	serverID      netip.Addr
	hostname      string
	broadcast     bool
}

func newTransaction(req *dhcpv4.DHCPv4) *transaction {
	return &transaction{
		req: req,
		client: lease.Client{
			ID:     req.Options.Get(dhcpv4.OptionClientIdentifier),
			HWAddr: req.ClientHWAddr,
		},
		clientAddr:    toAddr(req.ClientIPAddr),
		relayAddr:     toAddr(req.GatewayIPAddr),
		requestedAddr: toAddr(req.RequestedIPAddress()),
		serverID:      toAddr(req.ServerIdentifier()),
		hostname:      req.HostName(),
		broadcast:     req.IsBroadcast(),
	}
}

func (t *transaction) String() string {
	return fmt.Sprintf("%s xid=%s", t.client, t.req.TransactionID)
}

// Process handles req received from srcPort and returns the response to send,
// or nil when nothing is sent.
func (p *Processor) Process(ctx context.Context, req *dhcpv4.DHCPv4, srcPort int) *Response {
	mt := req.MessageType()
	ctx, span := p.tracer.Start(ctx, "dhcp.process", trace.WithAttributes(
		attribute.String("dhcp.message_type", messageLabel(mt)),
		attribute.String("dhcp.xid", req.TransactionID.String()),
		attribute.String("dhcp.client_hwaddr", req.ClientHWAddr.String()),
		attribute.Int("net.peer.port", srcPort),
	))
	defer span.End()

	p.metrics.observeReceived(mt)
	if reason := p.check(req, srcPort); reason != "" {
		return p.drop(span, reason, "%s from %s port %d", mt, req.ClientHWAddr, srcPort)
	}

	t := newTransaction(req)
	var resp *Response
	switch mt {
	case dhcpv4.MessageTypeDiscover:
		resp = p.processDiscover(ctx, span, t)
	case dhcpv4.MessageTypeRequest:
		resp = p.processRequest(ctx, span, t)
	case dhcpv4.MessageTypeRelease:
		p.processRelease(ctx, span, t)
	case dhcpv4.MessageTypeDecline:
		p.processDecline(ctx, span, t)
	case dhcpv4.MessageTypeInform:
		resp = p.processInform(span, t)
	default:
		return p.drop(span, dropMessageType, "%s from %s", mt, t)
	}
	if resp != nil {
		p.metrics.observeSent(resp.Packet.MessageType())
		span.SetAttributes(
			attribute.String("dhcp.response", messageLabel(resp.Packet.MessageType())),
			attribute.String("dhcp.dest", resp.Dest.String()),
		)
	}
	return resp
}

// check rejects packets the state machine must not see.
func (p *Processor) check(req *dhcpv4.DHCPv4, srcPort int) string {
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return dropOpcode
	}
	if req.HWType != iana.HWTypeEthernet || len(req.ClientHWAddr) != 6 {
		return dropHWAddr
	}
	switch srcPort {
	case dhcpv4.ClientPort:
	case dhcpv4.ServerPort:
		// Relayed traffic arrives from the relay's server port; accepted
		// in addition to client-port traffic, and only with giaddr set.
		if !isSet(toAddr(req.GatewayIPAddr)) {
			return dropPort
		}
	default:
		return dropPort
	}
	return ""
}

func (p *Processor) drop(span trace.Span, reason, format string, args ...any) *Response {
	p.metrics.observeDropped(reason)
	span.SetAttributes(attribute.String("dhcp.drop_reason", reason))
	p.logger.Printf("DEBUG drop (%s) "+format, append([]any{reason}, args...)...)
	return nil
}

func (p *Processor) processDiscover(ctx context.Context, span trace.Span, t *transaction) *Response {
	l, err := p.repo.GetOffer(t.client, t.relayAddr, t.requestedAddr, t.hostname)
	switch {
	case errors.Is(err, lease.ErrOutOfAddresses):
		p.logger.Printf("WARN no address to offer to %s", t)
		return p.nak(span, t, "out of addresses")
	case errors.Is(err, lease.ErrInvalidAddress):
		return p.drop(span, dropRelay, "discover from %s: %v", t, err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "get offer")
		p.logger.Printf("ERROR offer for %s: %v", t, err)
		return p.drop(span, dropInternal, "discover from %s", t)
	}
	span.SetAttributes(attribute.String("dhcp.yiaddr", l.Addr.String()))
	p.logger.Printf("INFO offer %s to %s", l.Addr, t)
	return p.leaseReply(span, t, dhcpv4.MessageTypeOffer, l)
}

func (p *Processor) processRequest(ctx context.Context, span trace.Span, t *transaction) *Response {
	if t.serverID.IsValid() && t.serverID != p.params.ServerAddr() {
		// The client selected another server's offer.
		return p.drop(span, dropServerID, "request from %s for server %s", t, t.serverID)
	}
	serverIDSet := t.serverID.IsValid()
	state := lease.ClassifyRequest(t.clientAddr, t.requestedAddr, serverIDSet)
	span.SetAttributes(attribute.String("dhcp.request_state", state.String()))

	l, err := p.repo.RequestLease(t.client, t.clientAddr, t.requestedAddr, serverIDSet, t.hostname)
	switch {
	case errors.Is(err, lease.ErrInvalidAddress):
		p.logger.Printf("INFO nak %s request from %s: %v", state, t, err)
		return p.nak(span, t, err.Error())
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "request lease")
		p.logger.Printf("ERROR %s request from %s: %v", state, t, err)
		return p.drop(span, dropInternal, "request from %s", t)
	}
	span.SetAttributes(attribute.String("dhcp.yiaddr", l.Addr.String()))
	p.logger.Printf("INFO ack %s to %s (%s)", l.Addr, t, state)
	p.publish(ctx, SubjectLeaseCommitted, "committed", l)
	return p.leaseReply(span, t, dhcpv4.MessageTypeAck, l)
}

func (p *Processor) processRelease(ctx context.Context, span trace.Span, t *transaction) {
	if t.serverID.IsValid() && t.serverID != p.params.ServerAddr() {
		p.drop(span, dropServerID, "release from %s for server %s", t, t.serverID)
		return
	}
	if !p.repo.ReleaseLease(t.client, t.clientAddr) {
		p.logger.Printf("DEBUG release of %s by %s matched no lease", t.clientAddr, t)
		return
	}
	p.logger.Printf("INFO released %s by %s", t.clientAddr, t)
	p.publish(ctx, SubjectLeaseReleased, "released", lease.Lease{Client: t.client, Addr: t.clientAddr})
}

func (p *Processor) processDecline(ctx context.Context, span trace.Span, t *transaction) {
	if t.serverID.IsValid() && t.serverID != p.params.ServerAddr() {
		p.drop(span, dropServerID, "decline from %s for server %s", t, t.serverID)
		return
	}
	if !isSet(t.requestedAddr) {
		p.drop(span, dropNoAddress, "decline from %s", t)
		return
	}
	if !p.repo.DeclineLease(t.client, t.requestedAddr) {
		p.logger.Printf("WARN ignored decline of %s by %s", t.requestedAddr, t)
		return
	}
	p.logger.Printf("WARN %s declined %s, address set aside", t, t.requestedAddr)
	p.publish(ctx, SubjectLeaseDeclined, "declined", lease.Lease{Client: t.client, Addr: t.requestedAddr})
}

// processInform answers a client that configured its address by other means
// with configuration only.
func (p *Processor) processInform(span trace.Span, t *transaction) *Response {
	if !isSet(t.clientAddr) {
		return p.drop(span, dropNoAddress, "inform from %s", t)
	}
	reply, err := dhcpv4.NewReplyFromRequest(t.req, append(p.configModifiers(),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
	)...)
	if err != nil {
		p.logger.Printf("ERROR build inform ack for %s: %v", t, err)
		return p.drop(span, dropInternal, "inform from %s", t)
	}
	dest, port := toIP(t.clientAddr), dhcpv4.ClientPort
	if isSet(t.relayAddr) {
		dest, port = toIP(t.relayAddr), dhcpv4.ServerPort
	}
	return &Response{Packet: reply, Dest: dest, Port: port}
}

// leaseReply builds an OFFER or ACK for l.
func (p *Processor) leaseReply(span trace.Span, t *transaction, mt dhcpv4.MessageType, l lease.Lease) *Response {
	mods := append(p.configModifiers(),
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithYourIP(toIP(l.Addr)),
		dhcpv4.WithLeaseTime(p.leaseSeconds(l)),
	)
	if l.Hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(l.Hostname)))
	}
	reply, err := dhcpv4.NewReplyFromRequest(t.req, mods...)
	if err != nil {
		p.logger.Printf("ERROR build %s for %s: %v", mt, t, err)
		return p.drop(span, dropInternal, "%s for %s", mt, t)
	}
	dest, port := replyDestination(t, l.Addr)
	return &Response{Packet: reply, Dest: dest, Port: port, Unconfigured: dest.Equal(toIP(l.Addr)) && !isSet(t.clientAddr)}
}

func (p *Processor) nak(span trace.Span, t *transaction, reason string) *Response {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(toIP(p.params.ServerAddr()))),
		dhcpv4.WithOption(dhcpv4.OptMessage(reason)),
	}
	dest, port := net.IPv4bcast, dhcpv4.ClientPort
	if isSet(t.relayAddr) {
		// RFC 2131 4.3.2: NAKs through a relay carry the broadcast bit.
		mods = append(mods, dhcpv4.WithBroadcast(true))
		dest, port = toIP(t.relayAddr), dhcpv4.ServerPort
	}
	reply, err := dhcpv4.NewReplyFromRequest(t.req, mods...)
	if err != nil {
		p.logger.Printf("ERROR build nak for %s: %v", t, err)
		return p.drop(span, dropInternal, "nak for %s", t)
	}
	return &Response{Packet: reply, Dest: dest, Port: port}
}

func (p *Processor) configModifiers() []dhcpv4.Modifier {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(toIP(p.params.ServerAddr()))),
		dhcpv4.WithNetmask(p.params.Netmask()),
	}
	if routers := toIPs(p.params.DefaultRouters()); len(routers) > 0 {
		mods = append(mods, dhcpv4.WithRouter(routers...))
	}
	if dns := toIPs(p.params.DNSServers()); len(dns) > 0 {
		mods = append(mods, dhcpv4.WithDNS(dns...))
	}
	if mtu := p.params.LinkMTU(); mtu != params.MTUUnset {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionInterfaceMTU,
			binary.BigEndian.AppendUint16(nil, uint16(mtu)))))
	}
	return mods
}

// leaseSeconds is the time left on l per the clock, rounded up to whole
// seconds and capped at the configured lease time. The repository read the
// clock before the processor does, so a fresh lease is a fraction short.
func (p *Processor) leaseSeconds(l lease.Lease) uint32 {
	left := l.Expiration.Sub(p.clock.Now())
	if left <= 0 {
		return 0
	}
	secs := (left + time.Second - 1) / time.Second
	if full := p.params.LeaseSeconds(); secs >= time.Duration(full) {
		return full
	}
	return uint32(secs)
}

// replyDestination picks where an OFFER or ACK goes: the relay, the broadcast
// address when the client asked for it, the client's current address, or the
// address being assigned.
func replyDestination(t *transaction, yiaddr netip.Addr) (net.IP, int) {
	switch {
	case isSet(t.relayAddr):
		return toIP(t.relayAddr), dhcpv4.ServerPort
	case t.broadcast:
		return net.IPv4bcast, dhcpv4.ClientPort
	case isSet(t.clientAddr):
		return toIP(t.clientAddr), dhcpv4.ClientPort
	default:
		return toIP(yiaddr), dhcpv4.ClientPort
	}
}

func (p *Processor) publish(ctx context.Context, subject, typ string, l lease.Lease) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, subject, newLeaseEvent(typ, l, p.clock.Now())); err != nil {
		p.logger.Printf("ERROR publish %s for %s: %v", typ, l.Addr, err)
	}
}
