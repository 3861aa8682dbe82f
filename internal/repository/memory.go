package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

// MemoryStore is an in-process Store for tests and local tooling. A single mutex serializes
// every call, so transactions are trivially serializable; a failed transaction restores the
// snapshot taken when it began.
type MemoryStore struct {
	state *memoryState
	inTx  bool
}

type memoryState struct {
	mu sync.Mutex

	orders      map[uuid.UUID]models.Order
	history     []models.OrderHistory
	payments    map[uuid.UUID]models.Payment
	facts       []models.MetadataFact
	counters    map[string]int64
	invoices    map[uuid.UUID]models.Invoice
	refunds     map[uuid.UUID]models.Refund
	effects     []models.SideEffect
	accounts    map[string]models.CreditAccount
	credits     []models.CreditEntry
	recon       map[uuid.UUID]models.ReconciliationItem
	callbacks   []models.PaymentCallbackHistory
	taxRates    map[string]models.TaxRate
	tasks       map[uint]models.ScheduledTask
	taskHistory []models.ScheduledTaskHistory
	seq         uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		orders:   make(map[uuid.UUID]models.Order),
		payments: make(map[uuid.UUID]models.Payment),
		counters: make(map[string]int64),
		invoices: make(map[uuid.UUID]models.Invoice),
		refunds:  make(map[uuid.UUID]models.Refund),
		accounts: make(map[string]models.CreditAccount),
		recon:    make(map[uuid.UUID]models.ReconciliationItem),
		taxRates: make(map[string]models.TaxRate),
		tasks:    make(map[uint]models.ScheduledTask),
	}}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.state.mu.Lock()
	return s.state.mu.Unlock
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	unlock := s.lock()
	defer unlock()

	snapshot := s.state.clone()
	if err := fn(&MemoryStore{state: s.state, inTx: true}); err != nil {
		s.state.restore(snapshot)
		return err
	}
	return nil
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		orders:      make(map[uuid.UUID]models.Order, len(st.orders)),
		history:     append([]models.OrderHistory(nil), st.history...),
		payments:    make(map[uuid.UUID]models.Payment, len(st.payments)),
		facts:       append([]models.MetadataFact(nil), st.facts...),
		counters:    make(map[string]int64, len(st.counters)),
		invoices:    make(map[uuid.UUID]models.Invoice, len(st.invoices)),
		refunds:     make(map[uuid.UUID]models.Refund, len(st.refunds)),
		effects:     append([]models.SideEffect(nil), st.effects...),
		accounts:    make(map[string]models.CreditAccount, len(st.accounts)),
		credits:     append([]models.CreditEntry(nil), st.credits...),
		recon:       make(map[uuid.UUID]models.ReconciliationItem, len(st.recon)),
		callbacks:   append([]models.PaymentCallbackHistory(nil), st.callbacks...),
		taxRates:    make(map[string]models.TaxRate, len(st.taxRates)),
		tasks:       make(map[uint]models.ScheduledTask, len(st.tasks)),
		taskHistory: append([]models.ScheduledTaskHistory(nil), st.taskHistory...),
		seq:         st.seq,
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.counters {
		c.counters[k] = v
	}
	for k, v := range st.invoices {
		c.invoices[k] = v
	}
	for k, v := range st.refunds {
		c.refunds[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.recon {
		c.recon[k] = v
	}
	for k, v := range st.taxRates {
		c.taxRates[k] = v
	}
	for k, v := range st.tasks {
		c.tasks[k] = v
	}
	return c
}

func (st *memoryState) restore(c *memoryState) {
	st.orders = c.orders
	st.history = c.history
	st.payments = c.payments
	st.facts = c.facts
	st.counters = c.counters
	st.invoices = c.invoices
	st.refunds = c.refunds
	st.effects = c.effects
	st.accounts = c.accounts
	st.credits = c.credits
	st.recon = c.recon
	st.callbacks = c.callbacks
	st.taxRates = c.taxRates
	st.tasks = c.tasks
	st.taskHistory = c.taskHistory
	st.seq = c.seq
}

func (st *memoryState) nextID() uint {
	st.seq++
	return st.seq
}

func notFound(op string) error {
	return apperr.New(apperr.KindNotFound, op+": not found", nil)
}

func duplicate(op string) error {
	return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
}

// Orders

func (s *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	defer s.lock()()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	for _, o := range s.state.orders {
		if o.ID == order.ID || (o.OrganizationID == order.OrganizationID && o.OrderNumber == order.OrderNumber) {
			return duplicate("create order")
		}
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	s.state.orders[order.ID] = *order
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	defer s.lock()()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, notFound("get order")
	}
	return &o, nil
}

func (s *MemoryStore) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	defer s.lock()()
	if _, ok := s.state.orders[order.ID]; !ok {
		return notFound("update order")
	}
	order.UpdatedAt = time.Now()
	s.state.orders[order.ID] = *order
	return nil
}

func (s *MemoryStore) ListExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	defer s.lock()()
	var out []models.Order
	for _, o := range s.state.orders {
		if o.Status == models.OrderStatusPendingPayment && o.ExpiresAt.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time, limit int) ([]models.Order, error) {
	defer s.lock()()
	var out []models.Order
	for _, o := range s.state.orders {
		if o.Status == status && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) AppendOrderHistory(ctx context.Context, entry *models.OrderHistory) error {
	defer s.lock()()
	entry.ID = s.state.nextID()
	entry.CreatedAt = time.Now()
	s.state.history = append(s.state.history, *entry)
	return nil
}

func (s *MemoryStore) ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderHistory, error) {
	defer s.lock()()
	var out []models.OrderHistory
	for _, h := range s.state.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

// Payments

func (s *MemoryStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	defer s.lock()()
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	for _, p := range s.state.payments {
		if p.ID == payment.ID || (p.Provider == payment.Provider && p.ProviderPaymentID == payment.ProviderPaymentID) {
			return duplicate("create payment")
		}
		if p.OrderID == payment.OrderID && p.Status != models.PaymentStatusFailed && payment.Status != models.PaymentStatusFailed {
			return duplicate("create payment")
		}
	}
	now := time.Now()
	payment.CreatedAt, payment.UpdatedAt = now, now
	s.state.payments[payment.ID] = *payment
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	defer s.lock()()
	p, ok := s.state.payments[id]
	if !ok {
		return nil, notFound("get payment")
	}
	return &p, nil
}

func (s *MemoryStore) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.GetPayment(ctx, id)
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	defer s.lock()()
	if _, ok := s.state.payments[payment.ID]; !ok {
		return notFound("update payment")
	}
	for _, p := range s.state.payments {
		if p.ID == payment.ID {
			continue
		}
		if p.Provider == payment.Provider && p.ProviderPaymentID == payment.ProviderPaymentID {
			return duplicate("update payment")
		}
		if p.OrderID == payment.OrderID && p.Status != models.PaymentStatusFailed && payment.Status != models.PaymentStatusFailed {
			return duplicate("update payment")
		}
	}
	payment.UpdatedAt = time.Now()
	s.state.payments[payment.ID] = *payment
	return nil
}

func (s *MemoryStore) FindPaymentByProviderID(ctx context.Context, provider models.PaymentProvider, providerPaymentID string) (*models.Payment, error) {
	defer s.lock()()
	for _, p := range s.state.payments {
		if p.Provider == provider && p.ProviderPaymentID == providerPaymentID {
			return &p, nil
		}
	}
	return nil, notFound("find payment by provider id")
}

func (s *MemoryStore) FindPaymentByAlias(ctx context.Context, provider models.PaymentProvider, aliases []string) (*models.Payment, error) {
	defer s.lock()()
	wanted := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		wanted[a] = true
	}
	var found *models.Payment
	for _, f := range s.state.facts {
		if f.EntityType != models.EntityPayment || f.Key != models.FactAliasID || !wanted[f.Value] {
			continue
		}
		p, ok := s.state.payments[f.EntityID]
		if !ok || p.Provider != provider {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			match := p
			found = &match
		}
	}
	if found == nil {
		return nil, notFound("find payment by alias")
	}
	return found, nil
}

func (s *MemoryStore) FindOpenPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	defer s.lock()()
	for _, p := range s.state.payments {
		if p.OrderID == orderID && p.Status != models.PaymentStatusFailed {
			return &p, nil
		}
	}
	return nil, notFound("find open payment")
}

func (s *MemoryStore) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	defer s.lock()()
	var out []models.Payment
	for _, p := range s.state.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListStrandedPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	defer s.lock()()
	var out []models.Payment
	for _, p := range s.state.payments {
		if p.Status != models.PaymentStatusSucceeded {
			continue
		}
		if o, ok := s.state.orders[p.OrderID]; ok && o.Status == models.OrderStatusPendingPayment {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// Facts

func (s *MemoryStore) AppendFact(ctx context.Context, fact *models.MetadataFact) (bool, error) {
	defer s.lock()()
	for _, f := range s.state.facts {
		if f.EntityType == fact.EntityType && f.EntityID == fact.EntityID && f.Key == fact.Key && f.Value == fact.Value {
			return false, nil
		}
	}
	fact.ID = s.state.nextID()
	if fact.WrittenAt.IsZero() {
		fact.WrittenAt = time.Now()
	}
	if fact.Version == 0 {
		fact.Version = models.FactSchemaVersion
	}
	s.state.facts = append(s.state.facts, *fact)
	return true, nil
}

func (s *MemoryStore) ListFacts(ctx context.Context, entityType models.EntityType, entityID uuid.UUID) ([]models.MetadataFact, error) {
	defer s.lock()()
	var out []models.MetadataFact
	for _, f := range s.state.facts {
		if f.EntityType == entityType && f.EntityID == entityID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindFact(ctx context.Context, entityType models.EntityType, key, value string) (*models.MetadataFact, error) {
	defer s.lock()()
	for i := len(s.state.facts) - 1; i >= 0; i-- {
		f := s.state.facts[i]
		if f.EntityType == entityType && f.Key == key && f.Value == value {
			return &f, nil
		}
	}
	return nil, notFound("find fact")
}

// Invoicing

func (s *MemoryStore) NextCounterValue(ctx context.Context, organizationID, scope string) (int64, error) {
	defer s.lock()()
	key := organizationID + "/" + scope
	s.state.counters[key]++
	return s.state.counters[key], nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	defer s.lock()()
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	for _, inv := range s.state.invoices {
		if inv.OrderID == invoice.OrderID || (inv.OrganizationID == invoice.OrganizationID && inv.Number == invoice.Number) {
			return duplicate("create invoice")
		}
	}
	now := time.Now()
	invoice.CreatedAt, invoice.UpdatedAt = now, now
	s.state.invoices[invoice.ID] = *invoice
	return nil
}

func (s *MemoryStore) GetInvoiceByOrder(ctx context.Context, orderID uuid.UUID) (*models.Invoice, error) {
	defer s.lock()()
	for _, inv := range s.state.invoices {
		if inv.OrderID == orderID {
			return &inv, nil
		}
	}
	return nil, notFound("get invoice")
}

// Refunds

func (s *MemoryStore) CreateRefund(ctx context.Context, refund *models.Refund) error {
	defer s.lock()()
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	for _, r := range s.state.refunds {
		if r.PaymentID == refund.PaymentID && r.Status != models.RefundStatusFailed && refund.Status != models.RefundStatusFailed {
			return duplicate("create refund")
		}
	}
	now := time.Now()
	refund.CreatedAt, refund.UpdatedAt = now, now
	s.state.refunds[refund.ID] = *refund
	return nil
}

func (s *MemoryStore) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	defer s.lock()()
	if _, ok := s.state.refunds[refund.ID]; !ok {
		return notFound("update refund")
	}
	refund.UpdatedAt = time.Now()
	s.state.refunds[refund.ID] = *refund
	return nil
}

func (s *MemoryStore) FindActiveRefund(ctx context.Context, paymentID uuid.UUID) (*models.Refund, error) {
	defer s.lock()()
	for _, r := range s.state.refunds {
		if r.PaymentID == paymentID && r.Status != models.RefundStatusFailed {
			return &r, nil
		}
	}
	return nil, notFound("find active refund")
}

// Side effects

func (s *MemoryStore) ClaimEffect(ctx context.Context, orderID uuid.UUID, effect models.EffectType, staleBefore time.Time) (bool, *models.SideEffect, error) {
	defer s.lock()()
	now := time.Now()
	for i, e := range s.state.effects {
		if e.OrderID != orderID || e.EffectType != effect {
			continue
		}
		reclaim := e.Status == models.EffectStatusFailed ||
			(e.Status == models.EffectStatusRunning && e.UpdatedAt.Before(staleBefore))
		if !reclaim {
			return false, &e, nil
		}
		e.Status = models.EffectStatusRunning
		e.Attempts++
		e.UpdatedAt = now
		s.state.effects[i] = e
		return true, &e, nil
	}
	record := models.SideEffect{
		ID:         s.state.nextID(),
		CreatedAt:  now,
		UpdatedAt:  now,
		OrderID:    orderID,
		EffectType: effect,
		Status:     models.EffectStatusRunning,
		Attempts:   1,
	}
	s.state.effects = append(s.state.effects, record)
	return true, &record, nil
}

func (s *MemoryStore) UpdateEffect(ctx context.Context, effect *models.SideEffect) error {
	defer s.lock()()
	for i, e := range s.state.effects {
		if e.ID == effect.ID {
			effect.UpdatedAt = time.Now()
			s.state.effects[i] = *effect
			return nil
		}
	}
	return notFound("update effect")
}

func (s *MemoryStore) ListEffects(ctx context.Context, orderID uuid.UUID) ([]models.SideEffect, error) {
	defer s.lock()()
	var out []models.SideEffect
	for _, e := range s.state.effects {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Credits

func (s *MemoryStore) ApplyCredits(ctx context.Context, entry *models.CreditEntry) (bool, error) {
	defer s.lock()()
	for _, c := range s.state.credits {
		if c.OrderID == entry.OrderID {
			return false, nil
		}
	}
	now := time.Now()
	entry.ID = s.state.nextID()
	entry.CreatedAt = now
	s.state.credits = append(s.state.credits, *entry)

	account := s.state.accounts[entry.OrganizationID]
	account.OrganizationID = entry.OrganizationID
	account.Balance += entry.Credits
	account.UpdatedAt = now
	s.state.accounts[entry.OrganizationID] = account
	return true, nil
}

func (s *MemoryStore) GetCreditAccount(ctx context.Context, organizationID string) (*models.CreditAccount, error) {
	defer s.lock()()
	a, ok := s.state.accounts[organizationID]
	if !ok {
		return nil, notFound("get credit account")
	}
	return &a, nil
}

// Reconciliation

func (s *MemoryStore) RecordReconciliationItem(ctx context.Context, item *models.ReconciliationItem) (bool, error) {
	defer s.lock()()
	for _, r := range s.state.recon {
		if r.DedupKey == item.DedupKey {
			return false, nil
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now()
	item.CreatedAt, item.UpdatedAt = now, now
	s.state.recon[item.ID] = *item
	return true, nil
}

func (s *MemoryStore) GetReconciliationItem(ctx context.Context, id uuid.UUID) (*models.ReconciliationItem, error) {
	defer s.lock()()
	r, ok := s.state.recon[id]
	if !ok {
		return nil, notFound("get reconciliation item")
	}
	return &r, nil
}

func (s *MemoryStore) UpdateReconciliationItem(ctx context.Context, item *models.ReconciliationItem) error {
	defer s.lock()()
	if _, ok := s.state.recon[item.ID]; !ok {
		return notFound("update reconciliation item")
	}
	item.UpdatedAt = time.Now()
	s.state.recon[item.ID] = *item
	return nil
}

func (s *MemoryStore) ListReconciliationItems(ctx context.Context, filter ReconciliationFilter) ([]models.ReconciliationItem, error) {
	defer s.lock()()
	var out []models.ReconciliationItem
	for _, r := range s.state.recon {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].DedupKey, out[j].DedupKey) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, filter.Limit), nil
}

func (s *MemoryStore) RecordCallback(ctx context.Context, callback *models.PaymentCallbackHistory) error {
	defer s.lock()()
	callback.ID = s.state.nextID()
	callback.CreatedAt = time.Now()
	s.state.callbacks = append(s.state.callbacks, *callback)
	return nil
}

// Callbacks returns every recorded callback in arrival order.
func (s *MemoryStore) Callbacks() []models.PaymentCallbackHistory {
	defer s.lock()()
	return append([]models.PaymentCallbackHistory(nil), s.state.callbacks...)
}

// Tax

func (s *MemoryStore) GetTaxRate(ctx context.Context, country string) (*models.TaxRate, error) {
	defer s.lock()()
	r, ok := s.state.taxRates[country]
	if !ok {
		return nil, notFound("get tax rate")
	}
	return &r, nil
}

func (s *MemoryStore) SaveTaxRate(ctx context.Context, rate *models.TaxRate) error {
	defer s.lock()()
	rate.UpdatedAt = time.Now()
	s.state.taxRates[rate.Country] = *rate
	return nil
}

// Scheduled tasks

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	defer s.lock()()
	task.ID = s.state.nextID()
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	s.state.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *models.ScheduledTask) error {
	defer s.lock()()
	if task.ID == 0 {
		task.ID = s.state.nextID()
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = time.Now()
	s.state.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) ListDueTasks(ctx context.Context, now time.Time) ([]models.ScheduledTask, error) {
	defer s.lock()()
	var out []models.ScheduledTask
	for _, t := range s.state.tasks {
		if t.Status == models.ScheduledTaskStatusActive && !t.Due.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	defer s.lock()()
	out := make([]models.ScheduledTask, 0, len(s.state.tasks))
	for _, t := range s.state.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindActiveTask(ctx context.Context, name string) (*models.ScheduledTask, error) {
	defer s.lock()()
	for _, t := range s.state.tasks {
		if t.TaskName == name && t.Status == models.ScheduledTaskStatusActive {
			return &t, nil
		}
	}
	return nil, notFound("find active task")
}

func (s *MemoryStore) RecordTaskHistory(ctx context.Context, history *models.ScheduledTaskHistory) error {
	defer s.lock()()
	history.ID = s.state.nextID()
	history.CreatedAt = time.Now()
	s.state.taskHistory = append(s.state.taskHistory, *history)
	return nil
}

// TaskHistory returns every recorded task run.
func (s *MemoryStore) TaskHistory() []models.ScheduledTaskHistory {
	defer s.lock()()
	return append([]models.ScheduledTaskHistory(nil), s.state.taskHistory...)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
