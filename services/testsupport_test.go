package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticketing/internal/status"
	"ticketing/models"
	"ticketing/store"
)

// memLock is an in-process InventoryLock for tests: one semaphore per
// ticket type with a bounded wait, same contract as the real backends.
type memLock struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
	wait time.Duration
}

func newMemLock(wait time.Duration) *memLock {
	return &memLock{sems: make(map[string]chan struct{}), wait: wait}
}

func (l *memLock) sem(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sems[id]; !ok {
		l.sems[id] = make(chan struct{}, 1)
	}
	return l.sems[id]
}

func (l *memLock) WithLock(ctx context.Context, ticketTypeID string, fn func(ctx context.Context, q store.DBTX) error) error {
	sem := l.sem(ticketTypeID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
		return fn(ctx, nil)
	case <-time.After(l.wait):
		return fmt.Errorf("%w: ticket type %s", status.ErrLockTimeout, ticketTypeID)
	case <-ctx.Done():
		return fmt.Errorf("%w: ticket type %s", status.ErrLockTimeout, ticketTypeID)
	}
}

// fakeRepo is an in-memory TicketRepository with the same transition and
// counter semantics as the Postgres store.
type fakeRepo struct {
	mu          sync.Mutex
	ticketTypes map[string]*models.TicketType
	tickets     map[string]*models.Ticket
	createErr   error
	purchaseErr error
}

func newFakeRepo(types ...*models.TicketType) *fakeRepo {
	r := &fakeRepo{
		ticketTypes: make(map[string]*models.TicketType),
		tickets:     make(map[string]*models.Ticket),
	}
	for _, tt := range types {
		cp := *tt
		r.ticketTypes[tt.ID] = &cp
	}
	return r
}

func (r *fakeRepo) GetTicketType(ctx context.Context, _ store.DBTX, id string) (*models.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.ticketTypes[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket type %s", status.ErrNotFound, id)
	}
	cp := *tt
	return &cp, nil
}

func (r *fakeRepo) CountActive(ctx context.Context, _ store.DBTX, ticketTypeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActiveLocked(ticketTypeID), nil
}

func (r *fakeRepo) countActiveLocked(ticketTypeID string) int {
	n := 0
	for _, t := range r.tickets {
		if t.TicketTypeID == ticketTypeID && t.Status.CountsAgainstCapacity() {
			n++
		}
	}
	return n
}

func (r *fakeRepo) CreateReserved(ctx context.Context, _ store.DBTX, tickets []*models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, t := range tickets {
		cp := *t
		r.tickets[t.ID] = &cp
	}
	if len(tickets) > 0 {
		tt := r.ticketTypes[tickets[0].TicketTypeID]
		tt.RemainingQuantity -= len(tickets)
		if tt.RemainingQuantity < 0 {
			tt.RemainingQuantity = 0
		}
	}
	return nil
}

func (r *fakeRepo) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", status.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) MarkPurchased(ctx context.Context, id, paymentID, qrCode string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.purchaseErr != nil {
		return r.purchaseErr
	}
	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("%w: ticket %s", status.ErrNotFound, id)
	}
	if t.Status == models.TicketPurchased {
		return nil
	}
	if t.Status != models.TicketReserved {
		return fmt.Errorf("%w: ticket %s is %s", status.ErrValidation, id, t.Status)
	}
	t.Status = models.TicketPurchased
	t.PurchasedAt = &at
	t.PaymentID = paymentID
	t.QRCode = qrCode
	return nil
}

func (r *fakeRepo) MarkCancelled(ctx context.Context, id string) error {
	return r.terminalMark(id, models.TicketReserved, models.TicketCancelled)
}

func (r *fakeRepo) MarkRefunded(ctx context.Context, id string) error {
	return r.terminalMark(id, models.TicketPurchased, models.TicketRefunded)
}

func (r *fakeRepo) terminalMark(id string, from, to models.TicketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("%w: ticket %s", status.ErrNotFound, id)
	}
	if t.Status == to {
		return nil
	}
	if t.Status != from {
		return fmt.Errorf("%w: ticket %s is %s", status.ErrValidation, id, t.Status)
	}
	t.Status = to
	tt := r.ticketTypes[t.TicketTypeID]
	tt.RemainingQuantity++
	if tt.RemainingQuantity > tt.Quantity {
		tt.RemainingQuantity = tt.Quantity
	}
	return nil
}

func (r *fakeRepo) CancelExpiredReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept int64
	for _, t := range r.tickets {
		if t.Status == models.TicketReserved && t.ReservedAt.Before(cutoff) {
			t.Status = models.TicketCancelled
			swept++
		}
	}
	if swept > 0 {
		r.reconcileLocked()
	}
	return swept, nil
}

func (r *fakeRepo) ReconcileCounters(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileLocked()
	return nil
}

func (r *fakeRepo) reconcileLocked() {
	for id, tt := range r.ticketTypes {
		tt.RemainingQuantity = tt.Quantity - r.countActiveLocked(id)
	}
}

func (r *fakeRepo) statusCounts(ticketTypeID string) map[models.TicketStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.TicketStatus]int)
	for _, t := range r.tickets {
		if t.TicketTypeID == ticketTypeID {
			counts[t.Status]++
		}
	}
	return counts
}

func (r *fakeRepo) remaining(ticketTypeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticketTypes[ticketTypeID].RemainingQuantity
}

func (r *fakeRepo) setReservedAt(ticketID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets[ticketID].ReservedAt = at
}

func (r *fakeRepo) setRemaining(ticketTypeID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticketTypes[ticketTypeID].RemainingQuantity = n
}

// fakeLedger mirrors the idempotency store semantics in memory,
// including the retry-after-failure path.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
	seq     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*models.IdempotencyRecord)}
}

func ledgerKey(key, class string) string { return key + "|" + class }

func (l *fakeLedger) Begin(ctx context.Context, key, commandClass string) (*models.IdempotencyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(key, commandClass)
	if rec, ok := l.records[k]; ok {
		switch rec.Status {
		case models.IdempotencyProcessing:
			return nil, fmt.Errorf("%w: key %q", status.ErrAlreadyProcessing, key)
		case models.IdempotencyCompleted:
			cp := *rec
			return &cp, nil
		}
		// Failed records are replaced, allowing retry.
		delete(l.records, k)
	}
	l.seq++
	rec := &models.IdempotencyRecord{
		ID:           fmt.Sprintf("rec-%d", l.seq),
		Key:          key,
		CommandClass: commandClass,
		Status:       models.IdempotencyProcessing,
		CreatedAt:    time.Now().UTC(),
	}
	l.records[k] = rec
	cp := *rec
	return &cp, nil
}

func (l *fakeLedger) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return l.finish(id, models.IdempotencyCompleted, result, "")
}

func (l *fakeLedger) Fail(ctx context.Context, id, errorMessage string) error {
	return l.finish(id, models.IdempotencyFailed, nil, errorMessage)
}

func (l *fakeLedger) finish(id string, to models.IdempotencyStatus, result []byte, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.ID == id {
			if rec.Status != models.IdempotencyProcessing {
				return fmt.Errorf("%w: processing idempotency record %s", status.ErrNotFound, id)
			}
			now := time.Now().UTC()
			rec.Status = to
			rec.Result = result
			rec.Error = errMsg
			rec.CompletedAt = &now
			return nil
		}
	}
	return fmt.Errorf("%w: processing idempotency record %s", status.ErrNotFound, id)
}

func (l *fakeLedger) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var failed int64
	for _, rec := range l.records {
		if rec.Status == models.IdempotencyProcessing && rec.CreatedAt.Before(cutoff) {
			now := time.Now().UTC()
			rec.Status = models.IdempotencyFailed
			rec.Error = "abandoned in flight"
			rec.CompletedAt = &now
			failed++
		}
	}
	return failed, nil
}

func (l *fakeLedger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var purged int64
	for k, rec := range l.records {
		if rec.Status != models.IdempotencyProcessing && rec.CreatedAt.Before(cutoff) {
			delete(l.records, k)
			purged++
		}
	}
	return purged, nil
}

func (l *fakeLedger) setCreatedAt(key, commandClass string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[ledgerKey(key, commandClass)].CreatedAt = at
}

func (l *fakeLedger) get(key, commandClass string) *models.IdempotencyRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[ledgerKey(key, commandClass)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// cancelSensitiveLedger rejects any call whose context is already done,
// the way the real store does once the connection context is cancelled.
type cancelSensitiveLedger struct {
	inner *fakeLedger
}

func (l *cancelSensitiveLedger) Begin(ctx context.Context, key, commandClass string) (*models.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.inner.Begin(ctx, key, commandClass)
}

func (l *cancelSensitiveLedger) Complete(ctx context.Context, id string, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.inner.Complete(ctx, id, result)
}

func (l *cancelSensitiveLedger) Fail(ctx context.Context, id, errorMessage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.inner.Fail(ctx, id, errorMessage)
}

func (l *cancelSensitiveLedger) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.inner.FailStale(ctx, cutoff)
}

func (l *cancelSensitiveLedger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.inner.PurgeOlderThan(ctx, cutoff)
}

// cancelSensitiveRepo does the same for the ticket repository's
// compensation writes.
type cancelSensitiveRepo struct {
	*fakeRepo
}

func (r *cancelSensitiveRepo) MarkCancelled(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.MarkCancelled(ctx, id)
}

func (r *cancelSensitiveRepo) MarkRefunded(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRepo.MarkRefunded(ctx, id)
}

// droppingGateway cancels the request context during its first call,
// simulating the client hanging up while payment is in flight.
// Subsequent calls go through to the wrapped gateway.
type droppingGateway struct {
	cancel  context.CancelFunc
	inner   PaymentGateway
	dropped bool
}

func (g *droppingGateway) ProcessPayment(ctx context.Context, methodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error) {
	if !g.dropped {
		g.dropped = true
		g.cancel()
		return nil, ctx.Err()
	}
	return g.inner.ProcessPayment(ctx, methodID, amount, currency, metadata)
}

func (g *droppingGateway) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error) {
	return g.inner.RefundPayment(ctx, paymentID, amount)
}

// countingGateway wraps another gateway and counts calls.
type countingGateway struct {
	inner        PaymentGateway
	mu           sync.Mutex
	processCalls int
	refundCalls  int
}

func (g *countingGateway) ProcessPayment(ctx context.Context, methodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error) {
	g.mu.Lock()
	g.processCalls++
	g.mu.Unlock()
	return g.inner.ProcessPayment(ctx, methodID, amount, currency, metadata)
}

func (g *countingGateway) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error) {
	g.mu.Lock()
	g.refundCalls++
	g.mu.Unlock()
	return g.inner.RefundPayment(ctx, paymentID, amount)
}

// blockingGateway never answers before its delay, driving the payment
// timeout path.
type blockingGateway struct {
	delay time.Duration
}

func (g *blockingGateway) ProcessPayment(ctx context.Context, methodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error) {
	select {
	case <-time.After(g.delay):
		return &PaymentResult{Success: true, PaymentID: "pay_late"}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", status.ErrPaymentFailed, ctx.Err())
	}
}

func (g *blockingGateway) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error) {
	return &PaymentResult{Success: true, PaymentID: paymentID}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

type recordingInvalidator struct {
	mu       sync.Mutex
	patterns []string
}

func (i *recordingInvalidator) DeletePattern(ctx context.Context, pattern string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.patterns = append(i.patterns, pattern)
}
