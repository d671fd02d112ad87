package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bankledger/account"
	"bankledger/internal/fault"
	"bankledger/internal/queue"
	"bankledger/internal/store"
	"bankledger/internal/store/memstore"
	"bankledger/ledger"
	"bankledger/transaction"
	"bankledger/transaction/options"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine  *ledger.Engine
	store   *memstore.Store
	queue   *queue.Queue
	backend *queue.Journal
	worker  *queue.Worker
	logs    *observer.ObservedLogs
	clock   *clock
}

func newFixture(t *testing.T, configure func(*ledger.Config), storeOpts ...memstore.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(storeOpts...),
		clock: &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	core, logs := observer.New(zap.InfoLevel)
	f.logs = logs
	logger := zap.New(core)

	backend, err := queue.OpenJournal(t.TempDir())
	require.NoError(t, err)
	f.backend = backend
	f.queue = queue.New(backend, queue.WithLogger(logger), queue.WithClock(f.clock.Now))
	t.Cleanup(func() { _ = f.queue.Close() })

	c := ledger.DefaultConfig()
	c.Store = f.store
	c.Queue = f.queue
	c.Logger = logger
	if configure != nil {
		configure(&c)
	}
	f.engine, err = ledger.New(c)
	require.NoError(t, err)

	f.worker = queue.NewWorker(f.queue, queue.WorkerConfig{})
	f.engine.Register(f.worker)
	return f
}

func (f *fixture) open(t *testing.T, number string, balance int64) {
	require.NoError(t, f.store.Create(context.Background(), &account.Account{
		Number:  number,
		Balance: decimal.NewFromInt(balance),
	}))
}

func (f *fixture) balance(t *testing.T, number string) decimal.Decimal {
	a, err := f.store.FindByNumber(context.Background(), number)
	require.NoError(t, err)
	return a.Balance
}

func (f *fixture) requireBalance(t *testing.T, number string, want int64) {
	t.Helper()
	got := f.balance(t, number)
	require.True(t, got.Equal(decimal.NewFromInt(want)), "account %s: want %d, got %s", number, want, got)
}

func (f *fixture) records(t *testing.T) []*transaction.Transaction {
	all, err := f.store.Find(context.Background())
	require.NoError(t, err)
	return all
}

func amount(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestEngine(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"transfer commits synchronously":            testTransfer,
		"deposit and withdrawal":                    testDepositWithdrawal,
		"insufficient funds are queued":             testInsufficientFunds,
		"missing destination leaves source intact":  testMissingDestination,
		"failure mid unit rolls back everything":    testAtomicity,
		"queued transfer keeps its id":              testStableID,
		"redelivery is idempotent":                  testIdempotent,
		"self transfer":                             testSelfTransfer,
		"concurrent transfers drain one account":    testConcurrentTransfers,
		"balances are conserved under contention":   testConservation,
		"domain errors returned when not retried":   testNoDomainRetries,
		"breaker opens on store failures":           testBreakerOpens,
		"breaker ignores domain failures":           testBreakerIgnoresDomainErrors,
		"enqueue failure is reported to the caller": testEnqueueFailure,
		"caller gone mid attempt is still queued":   testCallerGoneIsQueued,
		"breaker ignores abandoned attempts":        testBreakerIgnoresAbandoned,
	} {
		t.Run(scenario, fn)
	}
}

func testTransfer(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 100)
	f.open(t, "1002", 0)

	id, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		Amount:                   amount(40),
		SourceAccountNumber:      "1001",
		DestinationAccountNumber: "1002",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	f.requireBalance(t, "1001", 60)
	f.requireBalance(t, "1002", 40)

	records := f.records(t)
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].ID)
	require.Equal(t, transaction.Transfer, records[0].Type)
	require.Equal(t, "1001", *records[0].SourceAccountNumber)
	require.Equal(t, "1002", *records[0].DestinationAccountNumber)
	require.Empty(t, f.backend.Waiting())

	require.Equal(t, 1, f.logs.FilterMessage("started executing transfer").Len())
	require.Equal(t, 1, f.logs.FilterMessage("successfully transferred amount").Len())
	require.Equal(t, 1, f.logs.FilterMessage("finished executing transfer").Len())
}

func testDepositWithdrawal(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 0)
	ctx := context.Background()

	depositID, err := f.engine.Deposit(ctx, ledger.DepositRequest{Amount: amount(250), DestinationAccountNumber: "1001"})
	require.NoError(t, err)
	withdrawalID, err := f.engine.Withdrawal(ctx, ledger.WithdrawalRequest{Amount: amount(250), SourceAccountNumber: "1001"})
	require.NoError(t, err)

	f.requireBalance(t, "1001", 0)

	deposit, err := f.store.FindById(ctx, depositID)
	require.NoError(t, err)
	require.Equal(t, transaction.Deposit, deposit.Type)
	require.Equal(t, "1001", *deposit.AccountNumber())
	require.Nil(t, deposit.SourceAccountID)

	withdrawal, err := f.store.FindById(ctx, withdrawalID)
	require.NoError(t, err)
	require.Equal(t, transaction.Withdrawal, withdrawal.Type)
	require.Equal(t, "1001", *withdrawal.AccountNumber())
	require.Nil(t, withdrawal.DestinationAccountID)
}

func testInsufficientFunds(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 30)
	f.open(t, "1002", 0)

	id, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		Amount:                   amount(50),
		SourceAccountNumber:      "1001",
		DestinationAccountNumber: "1002",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	f.requireBalance(t, "1001", 30)
	f.requireBalance(t, "1002", 0)
	require.Empty(t, f.records(t))

	waiting := f.backend.Waiting()
	require.Len(t, waiting, 1)
	require.Equal(t, ledger.JobTransfer, waiting[0].Name)
	require.Equal(t, queue.DefaultOptions(), waiting[0].Options)

	require.Equal(t, 1, f.logs.FilterMessage("insufficient balance").Len())
	failed := f.logs.FilterMessage("transfer failed, enqueuing transaction").All()
	require.Len(t, failed, 1)
	require.Equal(t, zap.ErrorLevel, failed[0].Level)
}

func testMissingDestination(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 100)

	_, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		Amount:                   amount(10),
		SourceAccountNumber:      "1001",
		DestinationAccountNumber: "9999",
	})
	require.NoError(t, err)

	f.requireBalance(t, "1001", 100)
	require.Empty(t, f.records(t))
	require.Len(t, f.backend.Waiting(), 1)
	require.Equal(t, 1, f.logs.FilterMessage("destination account not found").Len())
}

func testAtomicity(t *testing.T) {
	for _, op := range []memstore.Op{memstore.OpUpdateBalance, memstore.OpInsertTransaction, memstore.OpCommit} {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t, nil)
			f.open(t, "1001", 100)
			f.open(t, "1002", 0)

			skip := 0
			if op == memstore.OpUpdateBalance {
				// the source is debited, the credit fails
				skip = 1
			}
			f.store.Inject(op, memstore.Fault{Err: errors.New("connection reset"), Skip: skip, Times: 1})

			_, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
				Amount:                   amount(40),
				SourceAccountNumber:      "1001",
				DestinationAccountNumber: "1002",
			})
			require.NoError(t, err)

			f.requireBalance(t, "1001", 100)
			f.requireBalance(t, "1002", 0)
			require.Empty(t, f.records(t))
			require.Len(t, f.backend.Waiting(), 1)
		})
	}
}

func testStableID(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 0)
	f.open(t, "1002", 0)
	ctx := context.Background()

	id, err := f.engine.Transfer(ctx, ledger.TransferRequest{
		Amount:                   amount(75),
		SourceAccountNumber:      "1001",
		DestinationAccountNumber: "1002",
	})
	require.NoError(t, err)

	var payload struct {
		TransactionID string `json:"transactionId"`
	}
	waiting := f.backend.Waiting()
	require.Len(t, waiting, 1)
	require.NoError(t, waiting[0].Decode(&payload))
	require.Equal(t, id, payload.TransactionID)

	// still short on the first redelivery
	n, err := f.worker.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.records(t))

	_, err = f.engine.Deposit(ctx, ledger.DepositRequest{Amount: amount(100), DestinationAccountNumber: "1001"})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	n, err = f.worker.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	record, err := f.store.FindById(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.Transfer, record.Type)
	f.requireBalance(t, "1001", 25)
	f.requireBalance(t, "1002", 75)
	require.Empty(t, f.backend.Waiting())
}

func testIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 100)
	ctx := context.Background()

	req := ledger.WithdrawalRequest{Amount: amount(10), SourceAccountNumber: "1001"}
	require.NoError(t, f.engine.ExecuteWithdrawal(ctx, req, "tx-1"))
	require.NoError(t, f.engine.ExecuteWithdrawal(ctx, req, "tx-1"))

	f.requireBalance(t, "1001", 90)
	require.Len(t, f.records(t), 1)
	require.Equal(t, 1, f.logs.FilterMessage("transaction already settled, skipping").Len())
}

func testSelfTransfer(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "1001", 100)

	_, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		Amount:                   amount(100),
		SourceAccountNumber:      "1001",
		DestinationAccountNumber: "1001",
	})
	require.NoError(t, err)

	f.requireBalance(t, "1001", 100)
	require.Len(t, f.records(t), 1)
	require.Empty(t, f.backend.Waiting())
}

func testConcurrentTransfers(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "A", 1000)
	f.open(t, "B", 500)

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
				Amount:                   amount(100),
				SourceAccountNumber:      "A",
				DestinationAccountNumber: "B",
			})
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	require.Len(t, ids, 10)
	f.requireBalance(t, "A", 0)
	f.requireBalance(t, "B", 1500)

	records, err := f.store.Find(context.Background(), options.NewTransactionOptions().SetTypes(string(transaction.Transfer)))
	require.NoError(t, err)
	require.Len(t, records, 10)
	require.Empty(t, f.backend.Waiting())
}

func testConservation(t *testing.T) {
	f := newFixture(t, nil, memstore.WithLockTimeout(20*time.Millisecond))
	numbers := []string{"X", "Y", "Z"}
	for _, n := range numbers {
		f.open(t, n, 1000)
	}
	ctx := context.Background()

	const requests = 30
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Transfer(ctx, ledger.TransferRequest{
				Amount:                   amount(int64(i%30 + 1)),
				SourceAccountNumber:      numbers[i%3],
				DestinationAccountNumber: numbers[(i+1+i/3)%3],
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// whatever didn't commit is waiting in the queue
	require.Equal(t, requests, len(f.records(t))+len(f.backend.Waiting()))

	for len(f.backend.Waiting()) > 0 {
		_, err := f.worker.ProcessDue(ctx)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
	}
	require.Len(t, f.records(t), requests)

	total := decimal.Zero
	expected := map[string]decimal.Decimal{"X": amount(1000), "Y": amount(1000), "Z": amount(1000)}
	for _, r := range f.records(t) {
		expected[*r.SourceAccountNumber] = expected[*r.SourceAccountNumber].Sub(r.Amount)
		expected[*r.DestinationAccountNumber] = expected[*r.DestinationAccountNumber].Add(r.Amount)
	}
	for _, n := range numbers {
		b := f.balance(t, n)
		require.False(t, b.IsNegative())
		require.True(t, expected[n].Equal(b), "account %s: ledger says %s, balance is %s", n, expected[n], b)
		total = total.Add(b)
	}
	require.True(t, total.Equal(amount(3000)))
}

func testNoDomainRetries(t *testing.T) {
	f := newFixture(t, func(c *ledger.Config) { c.RetryDomainErrors = false })
	f.open(t, "1001", 10)
	ctx := context.Background()

	id, err := f.engine.Withdrawal(ctx, ledger.WithdrawalRequest{Amount: amount(50), SourceAccountNumber: "1001"})
	require.NotEmpty(t, id)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Equal(t, fault.KindBadRequest, fault.KindOf(err))
	require.Empty(t, f.backend.Waiting())

	// infrastructure failures are still queued
	f.store.Inject(memstore.OpLock, memstore.Fault{Err: errors.New("connection reset"), Times: 1})
	_, err = f.engine.Withdrawal(ctx, ledger.WithdrawalRequest{Amount: amount(5), SourceAccountNumber: "1001"})
	require.NoError(t, err)
	require.Len(t, f.backend.Waiting(), 1)

	// queued domain failures are not retried
	_, err = f.queue.Enqueue(ctx, ledger.JobWithdrawal, map[string]string{
		"amount":              "5",
		"sourceAccountNumber": "9999",
		"transactionId":       "tx-missing",
	}, queue.DefaultOptions())
	require.NoError(t, err)

	_, err = f.worker.ProcessDue(ctx)
	require.NoError(t, err)

	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 1, dead[0].AttemptsMade)
	require.Equal(t, ledger.ErrSourceNotFound.Error(), dead[0].LastError)
	f.requireBalance(t, "1001", 5)
}

func testBreakerOpens(t *testing.T) {
	f := newFixture(t, func(c *ledger.Config) {
		c.Breaker = ledger.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}
	})
	f.open(t, "1001", 0)
	f.store.Inject(memstore.OpLock, memstore.Fault{Err: errors.New("connection refused")})

	for i := 0; i < 3; i++ {
		_, err := f.engine.Deposit(context.Background(), ledger.DepositRequest{Amount: amount(1), DestinationAccountNumber: "1001"})
		require.NoError(t, err)
	}

	require.Equal(t, 2, f.logs.FilterMessage("started executing deposit").Len())
	require.Equal(t, 1, f.logs.FilterMessage("store circuit open, enqueuing transaction").Len())
	require.Len(t, f.backend.Waiting(), 3)
}

func testBreakerIgnoresDomainErrors(t *testing.T) {
	f := newFixture(t, func(c *ledger.Config) {
		c.Breaker = ledger.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}
	})
	f.open(t, "1001", 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.Deposit(ctx, ledger.DepositRequest{Amount: amount(1), DestinationAccountNumber: fmt.Sprintf("99%d", i)})
		require.NoError(t, err)
	}

	_, err := f.engine.Deposit(ctx, ledger.DepositRequest{Amount: amount(7), DestinationAccountNumber: "1001"})
	require.NoError(t, err)
	f.requireBalance(t, "1001", 7)
	require.Zero(t, f.logs.FilterMessage("store circuit open, enqueuing transaction").Len())
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, interface{}, queue.Options) (*queue.Job, error) {
	return nil, errors.New("redis: connection refused")
}

func testEnqueueFailure(t *testing.T) {
	s := memstore.New()
	e, err := ledger.New(ledger.Config{Store: s, Queue: brokenQueue{}, RetryDomainErrors: true})
	require.NoError(t, err)

	id, err := e.Deposit(context.Background(), ledger.DepositRequest{Amount: amount(1), DestinationAccountNumber: "404"})
	require.NotEmpty(t, id)
	require.Error(t, err)
	require.Equal(t, fault.KindInternal, fault.KindOf(err))
}

// holdLock keeps number locked by a concurrent unit until the returned func is called
func (f *fixture) holdLock(t *testing.T, number string) func() {
	t.Helper()
	locked, release, done := make(chan struct{}), make(chan struct{}), make(chan error, 1)
	go func() {
		done <- f.store.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockAccountForUpdate(ctx, number); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	select {
	case <-locked:
	case err := <-done:
		t.Fatalf("locking %s: %v", number, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("locking %s timed out", number)
	}
	return func() {
		close(release)
		require.NoError(t, <-done)
	}
}

// contextQueue fails like a network backend once the context is done
type contextQueue struct {
	ledger.Enqueuer
}

func (q contextQueue) Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("enqueuing %s job: %w", name, err)
	}
	return q.Enqueuer.Enqueue(ctx, name, payload, opts)
}

func testCallerGoneIsQueued(t *testing.T) {
	f := newFixture(t, func(c *ledger.Config) { c.Queue = contextQueue{c.Queue} })
	f.open(t, "1001", 0)
	release := f.holdLock(t, "1001")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	id, err := f.engine.Deposit(ctx, ledger.DepositRequest{Amount: amount(5), DestinationAccountNumber: "1001"})
	cancel()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, f.logs.FilterMessage("deposit failed, enqueuing transaction").Len())

	waiting := f.backend.Waiting()
	require.Len(t, waiting, 1)
	require.Equal(t, ledger.JobDeposit, waiting[0].Name)
	f.requireBalance(t, "1001", 0)
	release()

	n, err := f.worker.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.requireBalance(t, "1001", 5)
	record, err := f.store.FindById(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, transaction.Deposit, record.Type)
}

func testBreakerIgnoresAbandoned(t *testing.T) {
	f := newFixture(t, func(c *ledger.Config) {
		c.Breaker = ledger.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}
	})
	f.open(t, "1001", 0)
	release := f.holdLock(t, "1001")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := f.engine.Deposit(cancelled, ledger.DepositRequest{Amount: amount(1), DestinationAccountNumber: "1001"})
		require.NoError(t, err)
	}
	release()
	require.Len(t, f.backend.Waiting(), 3)

	_, err := f.engine.Deposit(context.Background(), ledger.DepositRequest{Amount: amount(7), DestinationAccountNumber: "1001"})
	require.NoError(t, err)
	f.requireBalance(t, "1001", 7)
	require.Equal(t, 4, f.logs.FilterMessage("started executing deposit").Len())
	require.Zero(t, f.logs.FilterMessage("store circuit open, enqueuing transaction").Len())
	require.Zero(t, f.logs.FilterMessage("circuit breaker state changed").Len())
}
