package dhcp

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"

	"dhcpd/services/dhcpd/internal/lease"
)

const (
	// SubjectLeases matches every lease event subject.
	SubjectLeases         = "dhcpd.leases.>"
	SubjectLeaseCommitted = "dhcpd.leases.committed"
	SubjectLeaseReleased  = "dhcpd.leases.released"
	SubjectLeaseDeclined  = "dhcpd.leases.declined"

	defaultEventQueue = 256
)

// Publisher delivers lease events; *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// LeaseEvent is the payload published for every lease table change.
type LeaseEvent struct {
	EventID   uuid.UUID  `json:"event_id"`
	Type      string     `json:"type"`
	Addr      string     `json:"addr"`
	HWAddr    string     `json:"hw_addr"`
	ClientID  string     `json:"client_id,omitempty"`
	Hostname  string     `json:"hostname,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	At        time.Time  `json:"at"`
}

func newLeaseEvent(typ string, l lease.Lease, at time.Time) LeaseEvent {
	evt := LeaseEvent{
		EventID:  uuid.New(),
		Type:     typ,
		Addr:     l.Addr.String(),
		HWAddr:   l.Client.HWAddr.String(),
		Hostname: l.Hostname,
		At:       at.UTC(),
	}
	if len(l.Client.ID) > 0 {
		evt.ClientID = hex.EncodeToString(l.Client.ID)
	}
	if !l.Expiration.IsZero() {
		exp := l.Expiration.UTC()
		evt.ExpiresAt = &exp
	}
	return evt
}

type queuedEvent struct {
	subject string
	event   LeaseEvent
}

// AsyncPublisher queues events and hands them to a Publisher from a single
// goroutine, so packet processing never waits on the broker. Events are
// delivered in order; when the queue is full new events are dropped.
type AsyncPublisher struct {
	next   Publisher
	logger *log.Logger
	queue  chan queuedEvent
}

// NewAsyncPublisher wraps next with a queue of the given size.
func NewAsyncPublisher(next Publisher, logger *log.Logger, size int) *AsyncPublisher {
	if logger == nil {
		logger = log.Default()
	}
	if size <= 0 {
		size = defaultEventQueue
	}
	return &AsyncPublisher{next: next, logger: logger, queue: make(chan queuedEvent, size)}
}

// Publish enqueues v; v must be a LeaseEvent.
func (p *AsyncPublisher) Publish(_ context.Context, subject string, v any) error {
	evt, ok := v.(LeaseEvent)
	if !ok {
		p.logger.Printf("WARN dropping non lease event for %s", subject)
		return nil
	}
	select {
	case p.queue <- queuedEvent{subject: subject, event: evt}:
	default:
		p.logger.Printf("WARN lease event queue full, dropping %s for %s", evt.Type, evt.Addr)
	}
	return nil
}

// Run delivers queued events until ctx is done.
func (p *AsyncPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qe := <-p.queue:
			if err := p.next.Publish(ctx, qe.subject, qe.event); err != nil {
				p.logger.Printf("ERROR publish %s %s: %v", qe.subject, qe.event.Addr, err)
			}
		}
	}
}
