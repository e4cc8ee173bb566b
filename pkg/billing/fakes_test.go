package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memJobs struct {
	mu       sync.Mutex
	jobs     []Job
	disputes map[string][]Dispute
	parts    map[string][]PartsRequest
	proNames map[string]string
	err      error

	disputeCalls int
	partsCalls   int
	disputeIDs   []string
}

func newMemJobs(jobs ...Job) *memJobs {
	return &memJobs{
		jobs:     jobs,
		disputes: map[string][]Dispute{},
		parts:    map[string][]PartsRequest{},
		proNames: map[string]string{},
	}
}

func (m *memJobs) CompletedJobs(ctx context.Context, accountID string, window Window) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []Job{}
	for _, j := range m.jobs {
		if j.BusinessAccountID == accountID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memJobs) Disputes(ctx context.Context, jobIDs []string) (map[string][]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputeCalls++
	m.disputeIDs = append([]string(nil), jobIDs...)
	out := map[string][]Dispute{}
	for _, id := range jobIDs {
		if d, ok := m.disputes[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (m *memJobs) PartsRequests(ctx context.Context, jobIDs []string) (map[string][]PartsRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partsCalls++
	out := map[string][]PartsRequest{}
	for _, id := range jobIDs {
		if pr, ok := m.parts[id]; ok {
			out[id] = pr
		}
	}
	return out, nil
}

func (m *memJobs) ProDisplayName(ctx context.Context, haulerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proNames[haulerID], nil
}

type memAccounts struct {
	accounts map[string]*Account
	err      error
}

func newMemAccounts(accounts ...Account) *memAccounts {
	m := &memAccounts{accounts: map[string]*Account{}}
	for i := range accounts {
		a := accounts[i]
		m.accounts[a.ID] = &a
	}
	return m
}

func (m *memAccounts) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, &NotFoundError{Resource: "business account", ID: accountID}
	}
	copied := *a
	return &copied, nil
}

func (m *memAccounts) ListAutoBillingEnabledAccounts(ctx context.Context) ([]Account, error) {
	out := []Account{}
	for _, a := range m.accounts {
		if a.AutoBillingEnabled {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memRuns mirrors the transactional guarantees of the Postgres store: CreateRun
// re-checks and inserts under one lock, VoidRun is a guarded status update.
type memRuns struct {
	mu     sync.Mutex
	runs   map[string]*BillingRun
	items  map[string][]LineItem
	billed map[string]string

	// beforeCreate runs inside CreateRun before the re-check, to simulate a
	// concurrent generation committing first.
	beforeCreate   func()
	markChargedErr error
	voidErr        error
}

func newMemRuns() *memRuns {
	return &memRuns{
		runs:   map[string]*BillingRun{},
		items:  map[string][]LineItem{},
		billed: map[string]string{},
	}
}

func (m *memRuns) BilledServiceRequestIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if _, ok := m.billed[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *memRuns) CreateRun(ctx context.Context, run *BillingRun, items []LineItem) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []string
	for _, item := range items {
		if _, ok := m.billed[item.ServiceRequestID]; ok {
			taken = append(taken, item.ServiceRequestID)
		}
	}
	if len(taken) > 0 {
		return &RaceConditionError{ServiceRequestIDs: taken}
	}

	copied := *run
	m.runs[run.ID] = &copied
	if run.DryRun {
		return nil
	}
	m.items[run.ID] = append([]LineItem(nil), items...)
	for _, item := range items {
		m.billed[item.ServiceRequestID] = run.ID
	}
	return nil
}

func (m *memRuns) insertBilled(runID string, serviceRequestIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range serviceRequestIDs {
		m.billed[id] = runID
	}
}

func (m *memRuns) GetRun(ctx context.Context, runID string) (*BillingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, &NotFoundError{Resource: "billing run", ID: runID}
	}
	copied := *run
	return &copied, nil
}

func (m *memRuns) ListLineItems(ctx context.Context, runID string) ([]LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LineItem{}, m.items[runID]...), nil
}

func (m *memRuns) ListRunsForAccount(ctx context.Context, accountID string, limit int) ([]BillingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []BillingRun{}
	for _, r := range m.runs {
		if r.BusinessAccountID == accountID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRuns) ListStalePendingRuns(ctx context.Context, createdBefore time.Time, limit int) ([]BillingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []BillingRun{}
	for _, r := range m.runs {
		if r.Status == RunStatusPending && r.CreatedAt.Before(createdBefore) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRuns) MarkChargeAttempted(ctx context.Context, runID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusPending {
		return false, nil
	}
	if run.ChargeAttemptedAt == nil {
		run.ChargeAttemptedAt = &at
	}
	return true, nil
}

func (m *memRuns) RequeueFailed(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusFailed {
		return false, nil
	}
	run.Status = RunStatusPending
	run.ChargeAttempt++
	run.ChargeAttemptedAt = nil
	run.ErrorMessage = ""
	run.ProcessedAt = nil
	return true, nil
}

func (m *memRuns) MarkCharged(ctx context.Context, runID, chargeRef string, at time.Time) (bool, error) {
	if m.markChargedErr != nil {
		return false, m.markChargedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusPending {
		return false, nil
	}
	run.Status = RunStatusCharged
	run.ExternalChargeRef = chargeRef
	run.ProcessedAt = &at
	return true, nil
}

func (m *memRuns) MarkFailed(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusPending {
		return false, nil
	}
	run.Status = RunStatusFailed
	run.ErrorMessage = message
	run.ProcessedAt = &at
	return true, nil
}

func (m *memRuns) VoidRun(ctx context.Context, runID string, from RunStatus, reason string, at time.Time) (int, error) {
	if m.voidErr != nil {
		return 0, m.voidErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return 0, &NotFoundError{Resource: "billing run", ID: runID}
	}
	if run.Status != from || (run.Status == RunStatusPending && run.ChargeAttemptedAt != nil) {
		return 0, &PreconditionError{Message: "billing run changed state"}
	}
	run.Status = RunStatusVoid
	run.ErrorMessage = reason
	run.ProcessedAt = &at

	items := m.items[runID]
	for _, item := range items {
		delete(m.billed, item.ServiceRequestID)
	}
	delete(m.items, runID)
	return len(items), nil
}

func (m *memRuns) setStatus(runID string, status RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Status = status
}

type fakeProcessor struct {
	mu          sync.Mutex
	chargeErr   error
	refundErr   error
	charges     []ChargeRequest
	refunds     []RefundRequest
	byKey       map[string]*Charge
	onCharge    func()
	chargeCount int

	// lostResponse takes the charge but reports an unknown outcome, like a
	// timeout after the processor already captured the payment.
	lostResponse bool
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{byKey: map[string]*Charge{}}
}

func (p *fakeProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if p.onCharge != nil {
		p.onCharge()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges = append(p.charges, req)
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	if existing, ok := p.byKey[req.IdempotencyKey]; ok {
		return existing, nil
	}
	p.chargeCount++
	charge := &Charge{Ref: "pi_" + req.IdempotencyKey, Amount: req.Amount, Status: "succeeded"}
	p.byKey[req.IdempotencyKey] = charge
	if p.lostResponse {
		return nil, fmt.Errorf("stripe: read timeout: %w", ErrOutcomeUnknown)
	}
	return charge, nil
}

func (p *fakeProcessor) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return &Refund{Ref: "re_" + req.IdempotencyKey, Amount: req.Amount, Status: "succeeded"}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	charged []string
	failed  []string
	voided  []string
	err     error
}

func (n *recordingNotifier) RunCharged(ctx context.Context, account *Account, run *BillingRun, items []LineItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.charged = append(n.charged, run.ID)
	return n.err
}

func (n *recordingNotifier) ChargeFailed(ctx context.Context, account *Account, run *BillingRun, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, reason)
	return n.err
}

func (n *recordingNotifier) RunVoided(ctx context.Context, account *Account, run *BillingRun, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.voided = append(n.voided, reason)
	return n.err
}

type recordingLedger struct {
	charges []string
	refunds []string
	err     error
}

func (l *recordingLedger) RecordCharge(ctx context.Context, run *BillingRun, items []LineItem) error {
	l.charges = append(l.charges, run.ID)
	return l.err
}

func (l *recordingLedger) RecordRefund(ctx context.Context, run *BillingRun, reason string) error {
	l.refunds = append(l.refunds, run.ID)
	return l.err
}

var errStoreDown = errors.New("store unavailable")

// fixture bundles a Service with its in-memory collaborators
type fixture struct {
	jobs      *memJobs
	accounts  *memAccounts
	runs      *memRuns
	processor *fakeProcessor
	notifier  *recordingNotifier
	ledger    *recordingLedger
	now       time.Time
	service   *Service
}

var (
	testWeek = Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	testNow = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
)

func testAccount() Account {
	return Account{
		ID:                  "acct-x",
		BusinessName:        "Acme Property Management",
		ExternalCustomerRef: "cus_123",
		PaymentMethodRef:    "pm_123",
		AutoBillingEnabled:  true,
		BillingContactEmail: "ap@acme.test",
	}
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func completedJob(id, completedAt string, price, fee Money) Job {
	completed := ts(completedAt)
	return Job{
		ServiceRequestID:  id,
		BusinessAccountID: "acct-x",
		BusinessBookingID: "bb-" + id,
		Status:            JobStatusCompleted,
		ServiceType:       "junk_removal",
		PickupAddress:     "1 Main St",
		PickupCity:        "Austin",
		PickupZip:         "78701",
		CompletedAt:       completed,
		CustomerSignoffAt: completed,
		FinalPrice:        price,
		PlatformFee:       fee,
		HaulerID:          "hauler-1",
	}
}

func newFixture(jobs ...Job) *fixture {
	f := &fixture{
		jobs:      newMemJobs(jobs...),
		accounts:  newMemAccounts(testAccount()),
		runs:      newMemRuns(),
		processor: newFakeProcessor(),
		notifier:  &recordingNotifier{},
		ledger:    &recordingLedger{},
		now:       testNow,
	}
	f.jobs.proNames["hauler-1"] = "Quick Haul LLC"
	f.service = NewService(Dependencies{
		Jobs:      f.jobs,
		Accounts:  f.accounts,
		Runs:      f.runs,
		Processor: f.processor,
		Notifier:  f.notifier,
		Ledger:    f.ledger,
	}, Options{
		Now: func() time.Time { return f.now },
	})
	return f
}
