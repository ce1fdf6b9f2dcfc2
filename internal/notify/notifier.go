package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	billingapp "tutorbill/internal/billing/application"
)

// Clock provides time for dedupe bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// HoldNotifier escalates reconciliation holds to an operator channel.
// Repeated holds for the same guardian/invoice pair are deduplicated
// within a window so a retry storm does not flood the channel.
type HoldNotifier struct {
	channel      Channel
	template     *Template
	clock        Clock
	mu           sync.Mutex
	sent         map[string]sendRecord
	cooldown     time.Duration
	dedupeWindow time.Duration
}

// Option configures the notifier.
type Option func(*HoldNotifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *HoldNotifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the
// same guardian/invoice pair.
func WithCooldown(interval time.Duration) Option {
	return func(n *HoldNotifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *HoldNotifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewHoldNotifier constructs a hold notifier.
func NewHoldNotifier(channel Channel, template *Template, opts ...Option) (*HoldNotifier, error) {
	if channel == nil {
		return nil, errors.New("hold notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &HoldNotifier{
		channel:  channel,
		template: template,
		clock:    systemClock{},
		sent:     make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// HandleEvent consumes bus events and escalates hold notifications.
// Non-hold events are ignored so the notifier can subscribe broadly.
func (n *HoldNotifier) HandleEvent(ctx context.Context, event any) error {
	raised, ok := event.(billingapp.ReconciliationHoldRaised)
	if !ok {
		if ptr, isPtr := event.(*billingapp.ReconciliationHoldRaised); isPtr && ptr != nil {
			raised = *ptr
			ok = true
		}
	}
	if !ok {
		return nil
	}
	return n.notify(ctx, raised)
}

func (n *HoldNotifier) notify(ctx context.Context, raised billingapp.ReconciliationHoldRaised) error {
	if n == nil || n.channel == nil {
		return nil
	}
	raisedAt := raised.OccurredAt
	if raisedAt.IsZero() {
		raisedAt = n.clock.Now()
	}
	content, err := n.template.Render(TemplateData{
		HoldID:     raised.HoldID,
		GuardianID: raised.GuardianID,
		InvoiceID:  raised.InvoiceID,
		Reason:     raised.Reason,
		RaisedAt:   raisedAt.UTC().Format(time.RFC3339),
		Suggestion: "Review the invoice hour ledger and resolve the hold.",
	})
	if err != nil {
		return err
	}
	key := raised.GuardianID + "|" + raised.InvoiceID
	if !n.shouldSend(key, content) {
		return nil
	}
	if err := n.channel.Send(ctx, content); err != nil {
		return err
	}
	n.markSent(key, content)
	return nil
}

func (n *HoldNotifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *HoldNotifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
