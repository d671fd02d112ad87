// Package memstore is an in-memory Ledger Store with per-account row locks
// and fault injection. It also serves the account and transaction read
// repositories so a whole ledger can run without a database.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bankledger/account"
	"bankledger/internal/store"
	"bankledger/transaction"
	"bankledger/transaction/options"
)

var (
	_ store.Store      = (*Store)(nil)
	_ account.Repo     = (*Store)(nil)
	_ transaction.Repo = (*Store)(nil)
)

// ErrLockTimeout is returned when a row lock can't be acquired in time.
// It is an infrastructure error, so the engine defers the request to the queue.
var ErrLockTimeout = errors.New("memstore: lock timeout")

const DefaultLockTimeout = 5 * time.Second

type Store struct {
	mu           sync.Mutex
	accounts     map[string]*account.Account
	numbers      map[int64]string
	nextID       int64
	transactions []*transaction.Transaction
	txIndex      map[string]int
	locks        map[string]chan struct{}
	faults       map[Op]*Fault

	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]*account.Account),
		numbers:     make(map[int64]string),
		txIndex:     make(map[string]int),
		locks:       make(map[string]chan struct{}),
		faults:      make(map[Op]*Fault),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	u := &unit{
		s:      s,
		held:   make(map[string]chan struct{}),
		deltas: make(map[string]decimal.Decimal),
	}
	defer u.release()

	if err := fn(ctx, u); err != nil {
		return err
	}
	return u.commit()
}

func (s *Store) lock(number string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[number]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[number] = l
	}
	return l
}

// Create opens an account. The number must be unused.
func (s *Store) Create(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Number]; ok {
		return account.ErrExists
	}
	s.nextID++
	now := s.now()
	a.ID = s.nextID
	a.CreatedAt = now
	a.UpdatedAt = now

	stored := *a
	s.accounts[a.Number] = &stored
	s.numbers[a.ID] = a.Number
	return nil
}

func (s *Store) FindAll(_ context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		c := *a
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number, ok := s.numbers[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	c := *s.accounts[number]
	return &c, nil
}

func (s *Store) FindByNumber(_ context.Context, number string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[number]
	if !ok {
		return nil, account.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) FindById(_ context.Context, id string) (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.txIndex[id]
	if !ok {
		return nil, transaction.ErrNotFound
	}
	return s.resolve(s.transactions[i]), nil
}

// Find applies the same filters as the Postgres repository, ordered by creation time
func (s *Store) Find(_ context.Context, opts ...*options.TransactionOptions) ([]*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var opt *options.TransactionOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	var result []*transaction.Transaction
	for _, t := range s.transactions {
		r := s.resolve(t)
		if opt != nil && !match(opt, r) {
			continue
		}
		result = append(result, r)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if opt != nil && opt.Limit > 0 && len(result) > opt.Limit {
		result = result[:opt.Limit]
	}
	return result, nil
}

func match(opt *options.TransactionOptions, t *transaction.Transaction) bool {
	if len(opt.IDs) > 0 && !contains(opt.IDs, t.ID) {
		return false
	}
	if len(opt.Types) > 0 && !contains(opt.Types, string(t.Type)) {
		return false
	}
	if opt.AccountNumber != "" &&
		!(t.SourceAccountNumber != nil && *t.SourceAccountNumber == opt.AccountNumber) &&
		!(t.DestinationAccountNumber != nil && *t.DestinationAccountNumber == opt.AccountNumber) {
		return false
	}
	if opt.Amount != nil && !opt.Amount.Contains(t.Amount) {
		return false
	}
	if opt.Timestamp != nil && !opt.Timestamp.Contains(t.CreatedAt) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, each := range values {
		if each == v {
			return true
		}
	}
	return false
}

// resolve copies t and joins the account numbers. Caller holds s.mu.
func (s *Store) resolve(t *transaction.Transaction) *transaction.Transaction {
	c := *t
	if t.SourceAccountID != nil {
		id, number := *t.SourceAccountID, s.numbers[*t.SourceAccountID]
		c.SourceAccountID, c.SourceAccountNumber = &id, &number
	}
	if t.DestinationAccountID != nil {
		id, number := *t.DestinationAccountID, s.numbers[*t.DestinationAccountID]
		c.DestinationAccountID, c.DestinationAccountNumber = &id, &number
	}
	return &c
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memstore{accounts: %d, transactions: %d}", len(s.accounts), len(s.transactions))
}

// unit buffers its writes and applies them on commit while it still holds its locks
type unit struct {
	s       *Store
	held    map[string]chan struct{}
	deltas  map[string]decimal.Decimal
	inserts []*transaction.Transaction
}

func (u *unit) FindAccountByNumber(_ context.Context, number string) (*account.Account, error) {
	if err := u.s.fail(OpFind); err != nil {
		return nil, err
	}
	return u.read(number)
}

func (u *unit) read(number string) (*account.Account, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	a, ok := u.s.accounts[number]
	if !ok {
		return nil, account.ErrNotFound
	}
	c := *a
	c.Balance = c.Balance.Add(u.deltas[number])
	return &c, nil
}

func (u *unit) LockAccountForUpdate(ctx context.Context, number string) (*account.Account, error) {
	if err := u.s.fail(OpLock); err != nil {
		return nil, err
	}
	if _, err := u.read(number); err != nil {
		return nil, err
	}

	if _, ok := u.held[number]; !ok {
		l := u.s.lock(number)
		timer := time.NewTimer(u.s.lockTimeout)
		defer timer.Stop()

		select {
		case l <- struct{}{}:
			u.held[number] = l
		case <-timer.C:
			return nil, fmt.Errorf("locking account %s: %w", number, ErrLockTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return u.read(number)
}

func (u *unit) UpdateBalance(_ context.Context, number string, delta decimal.Decimal) error {
	if err := u.s.fail(OpUpdateBalance); err != nil {
		return err
	}
	if _, ok := u.held[number]; !ok {
		return fmt.Errorf("updating balance of %s without holding its lock", number)
	}

	a, err := u.read(number)
	if err != nil {
		return err
	}
	// mirrors CHECK (balance >= 0)
	if a.Balance.Add(delta).IsNegative() {
		return store.ErrInsufficientBalance
	}
	u.deltas[number] = u.deltas[number].Add(delta)
	return nil
}

func (u *unit) InsertTransaction(ctx context.Context, t *transaction.Transaction) error {
	if err := u.s.fail(OpInsertTransaction); err != nil {
		return err
	}
	exists, err := u.TransactionExists(ctx, t.ID)
	if err != nil {
		return err
	}
	if exists {
		return store.ErrDuplicate
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = u.s.now()
	}
	c := *t
	c.SourceAccountNumber, c.DestinationAccountNumber = nil, nil
	u.inserts = append(u.inserts, &c)
	return nil
}

func (u *unit) TransactionExists(_ context.Context, id string) (bool, error) {
	for _, t := range u.inserts {
		if t.ID == id {
			return true, nil
		}
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	_, ok := u.s.txIndex[id]
	return ok, nil
}

func (u *unit) commit() error {
	if err := u.s.fail(OpCommit); err != nil {
		return err
	}

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before applying anything
	for _, t := range u.inserts {
		if _, ok := s.txIndex[t.ID]; ok {
			return store.ErrDuplicate
		}
	}
	for number, delta := range u.deltas {
		if s.accounts[number].Balance.Add(delta).IsNegative() {
			return store.ErrInsufficientBalance
		}
	}

	now := s.now()
	for number, delta := range u.deltas {
		a := s.accounts[number]
		a.Balance = a.Balance.Add(delta)
		a.UpdatedAt = now
	}
	for _, t := range u.inserts {
		s.txIndex[t.ID] = len(s.transactions)
		s.transactions = append(s.transactions, t)
	}
	return nil
}

func (u *unit) release() {
	for number, l := range u.held {
		<-l
		delete(u.held, number)
	}
}
