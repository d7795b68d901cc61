// Package storetest provides an in-memory stand-in for the Postgres
// repositories. Writes made through a transaction from Store.Begin are undone
// on Rollback, so callers' commit/rollback paths behave as they do against
// the database.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

type Store struct {
	mu           sync.Mutex
	users        map[uuid.UUID]*models.User
	transactions []*models.Transaction
	executions   map[uuid.UUID]*models.Execution
	actions      map[uuid.UUID]*models.Action

	// BeginErr, when set, is returned by Begin.
	BeginErr error
}

func New() *Store {
	return &Store{
		users:      make(map[uuid.UUID]*models.User),
		executions: make(map[uuid.UUID]*models.Execution),
		actions:    make(map[uuid.UUID]*models.Action),
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	return &Tx{store: s}, nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// onUndo registers fn to run if tx rolls back. Caller holds s.mu.
func onUndo(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.undo = append(t.undo, fn)
	}
}

// ---------------------------------------------------------------------------
// Seeding and inspection
// ---------------------------------------------------------------------------

func (s *Store) AddUser(id uuid.UUID, credits int) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &models.User{ID: id, Email: id.String() + "@example.com", Credits: credits, Plan: models.PlanFree, CreatedAt: time.Now()}
	s.users[id] = u
	cp := *u
	return &cp
}

func (s *Store) User(id uuid.UUID) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (s *Store) Balance(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id].Credits
}

func (s *Store) AddAction(a *models.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	s.actions[a.ID] = &cp
}

// TransactionsFor returns a user's entries in insertion order.
func (s *Store) TransactionsFor(userID uuid.UUID) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) Execution(id uuid.UUID) *models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (s *Store) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

// SetExecutionCreatedAt backdates a record for elapsed-time assertions.
func (s *Store) SetExecutionCreatedAt(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[id].CreatedAt = at
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type Users struct{ s *Store }

func (s *Store) Users() *Users { return &Users{s: s} }

func (u *Users) Create(_ context.Context, tx pgx.Tx, user *models.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return repository.ErrConflict
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Plan == "" {
		user.Plan = models.PlanFree
	}
	user.Credits = 0
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	s.users[user.ID] = &cp
	id := user.ID
	onUndo(tx, func() { delete(s.users, id) })
	return nil
}

func (u *Users) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if user := u.s.User(id); user != nil {
		return user, nil
	}
	return nil, repository.ErrNotFound
}

func (u *Users) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (u *Users) GetCredits(_ context.Context, id uuid.UUID) (int, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return user.Credits, nil
}

func (u *Users) DeductCredits(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.Credits < amount {
		return 0, repository.ErrConditionNotMet
	}
	user.Credits -= amount
	onUndo(tx, func() { user.Credits += amount })
	return user.Credits, nil
}

func (u *Users) AddCredits(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	user.Credits += amount
	onUndo(tx, func() { user.Credits -= amount })
	return user.Credits, nil
}

func (u *Users) SetSubscription(_ context.Context, id uuid.UUID, plan string, customerID, subscriptionID *string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.Plan = plan
	if customerID != nil {
		user.StripeCustomerID = customerID
	}
	if subscriptionID != nil {
		user.StripeSubscriptionID = subscriptionID
	}
	return nil
}

func (u *Users) CancelSubscription(_ context.Context, subscriptionID string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, user := range s.users {
		if user.StripeSubscriptionID != nil && *user.StripeSubscriptionID == subscriptionID {
			user.Plan = models.PlanFree
			user.StripeSubscriptionID = nil
			found = true
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger entries
// ---------------------------------------------------------------------------

type Transactions struct{ s *Store }

func (s *Store) Transactions() *Transactions { return &Transactions{s: s} }

func (r *Transactions) CreateTx(_ context.Context, tx pgx.Tx, t *models.Transaction) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions {
		if t.PaymentEventID != nil && existing.PaymentEventID != nil && *existing.PaymentEventID == *t.PaymentEventID {
			return repository.ErrConflict
		}
		if t.ReversesTransactionID != nil && existing.ReversesTransactionID != nil && *existing.ReversesTransactionID == *t.ReversesTransactionID {
			return repository.ErrConflict
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	cp := *t
	s.transactions = append(s.transactions, &cp)
	id := t.ID
	onUndo(tx, func() {
		for i, existing := range s.transactions {
			if existing.ID == id {
				s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *Transactions) find(match func(*models.Transaction) bool) (*models.Transaction, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Transactions) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return r.find(func(t *models.Transaction) bool { return t.ID == id })
}

func (r *Transactions) FindReversal(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return r.find(func(t *models.Transaction) bool {
		return t.ReversesTransactionID != nil && *t.ReversesTransactionID == id
	})
}

func (r *Transactions) PaymentEventExists(_ context.Context, _ pgx.Tx, eventID string) (bool, error) {
	_, err := r.find(func(t *models.Transaction) bool {
		return t.PaymentEventID != nil && *t.PaymentEventID == eventID
	})
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Transactions) ListByUserID(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	all := r.s.TransactionsFor(userID)
	out := []*models.Transaction{}
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := all[i]
		out = append(out, &t)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

type Executions struct{ s *Store }

func (s *Store) Executions() *Executions { return &Executions{s: s} }

func (r *Executions) Begin(ctx context.Context) (pgx.Tx, error) { return r.s.Begin(ctx) }

func (r *Executions) CreateTx(_ context.Context, tx pgx.Tx, e *models.Execution) error {
	if !e.Status.Valid() {
		return lifecycle.ErrIllegalTransition
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	if e.Status.Terminal() {
		now := e.CreatedAt
		e.CompletedAt = &now
	}
	cp := *e
	s.executions[e.ID] = &cp
	id := e.ID
	onUndo(tx, func() { delete(s.executions, id) })
	return nil
}

func (r *Executions) GetByID(_ context.Context, id uuid.UUID) (*models.Execution, error) {
	if e := r.s.Execution(id); e != nil {
		return e, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Executions) GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Execution, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (r *Executions) FindByHandle(ctx context.Context, handle string) (*models.Execution, error) {
	s := r.s
	s.mu.Lock()
	for _, e := range s.executions {
		if e.ExternalHandle != nil && *e.ExternalHandle == handle {
			cp := *e
			s.mu.Unlock()
			return &cp, nil
		}
	}
	s.mu.Unlock()
	id, err := uuid.Parse(handle)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *Executions) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Execution, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Execution{}
	for _, e := range s.executions {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Executions) MarkProcessing(_ context.Context, tx pgx.Tx, id uuid.UUID, handle *string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || lifecycle.Transition(e.Status, lifecycle.Processing) != nil {
		return repository.ErrConditionNotMet
	}
	prev := *e
	e.Status = lifecycle.Processing
	if handle != nil {
		e.ExternalHandle = handle
	}
	onUndo(tx, func() { *e = prev })
	return nil
}

func (r *Executions) Finish(_ context.Context, tx pgx.Tx, id uuid.UUID, to lifecycle.Status, outputURL, errorMessage *string) (*models.Execution, error) {
	if !to.Terminal() {
		return nil, lifecycle.ErrIllegalTransition
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || lifecycle.Transition(e.Status, to) != nil {
		return nil, repository.ErrConditionNotMet
	}
	prev := *e
	now := time.Now()
	e.Status = to
	e.OutputURL = outputURL
	e.ErrorMessage = errorMessage
	e.CompletedAt = &now
	onUndo(tx, func() { *e = prev })
	cp := *e
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

type Actions struct{ s *Store }

func (s *Store) Actions() *Actions { return &Actions{s: s} }

func (r *Actions) GetActive(_ context.Context, kind string, id uuid.UUID) (*models.Action, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok || a.Kind != kind || !a.IsActive {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Actions) ListActive(_ context.Context, kind string) ([]*models.Action, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Action{}
	for _, a := range s.actions {
		if a.Kind == kind && a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
