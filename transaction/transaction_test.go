package transaction

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bankledger/testutil"
	"bankledger/transaction/options"
)

func TestTransactionRepo(t *testing.T) {
	s := NewSuite(t)
	suite.Run(t, s)
}

func NewSuite(t *testing.T) *Suite {
	return &Suite{
		Assertions: require.New(t),
	}
}

type Suite struct {
	suite.Suite
	*require.Assertions // default to require behavior
	repo                Repo
	db                  *sqlx.DB
	ctx                 context.Context
	accounts            []int64
	transactions        []*Transaction
}

func (s *Suite) SetupSuite() {
	s.db = testutil.Postgres(s.T(), "../.env")
	s.ctx = context.Background()

	repo, err := NewPostgresRepo(s.db)
	s.NoError(err)

	s.repo = repo
}

func (s *Suite) SetupTest() {
	testutil.Reset(s.db)
	s.createAccounts()
	s.createTransactions(10)
}

func (s *Suite) createAccounts() {
	s.accounts = s.accounts[:0]
	for _, number := range []string{"1001", "1002"} {
		var id int64
		err := s.db.QueryRowx("INSERT INTO account (number, balance) VALUES ($1, 0) RETURNING id", number).Scan(&id)
		s.NoError(err)
		s.accounts = append(s.accounts, id)
	}
}

func (s *Suite) createTransactions(length int) {
	var rows []*Transaction
	created := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= length; i++ {
		tx := &Transaction{
			ID:        uuid.NewString(),
			Amount:    decimal.NewFromInt32(int32(i * 100)),
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		}
		switch i % 3 {
		case 0:
			tx.Type = Deposit
			tx.DestinationAccountID = &s.accounts[0]
		case 1:
			tx.Type = Withdrawal
			tx.SourceAccountID = &s.accounts[1]
		default:
			tx.Type = Transfer
			tx.SourceAccountID = &s.accounts[0]
			tx.DestinationAccountID = &s.accounts[1]
		}
		rows = append(rows, tx)
	}

	_, err := s.db.NamedExec(InsertQuery, rows)
	s.NoError(err)

	s.refreshInMem()
}

func (s *Suite) TestFindById() {
	want := s.transactions[1]
	got, err := s.repo.FindById(s.ctx, want.ID)
	s.NoError(err)

	s.Equal(want, got)
	s.Equal(Transfer, got.Type)
	s.Equal("1001", *got.SourceAccountNumber)
	s.Equal("1002", *got.DestinationAccountNumber)
}

func (s *Suite) TestFindByIdNotFound() {
	_, err := s.repo.FindById(s.ctx, uuid.NewString())
	s.ErrorIs(err, ErrNotFound)
}

func (s *Suite) TestFindAll() {
	got, err := s.repo.Find(s.ctx)
	s.NoError(err)

	s.Equal(s.transactions, got)
}

func (s *Suite) TestFindByIds() {
	var ids []string
	num := 2

	for i := 0; i < num; i++ {
		ids = append(ids, s.transactions[i].ID)
	}

	opts := options.NewTransactionOptions()
	opts.SetIDs(ids...)

	transactions, err := s.repo.Find(s.ctx, opts)
	s.NoError(err)

	s.Equal(s.transactions[:num], transactions)
}

func (s *Suite) TestFindByTypes() {
	opts := options.NewTransactionOptions().SetTypes(string(Deposit))

	got, err := s.repo.Find(s.ctx, opts)
	s.NoError(err)

	s.Len(got, 3)
	for _, each := range got {
		s.Equal(Deposit, each.Type)
		s.Equal("1001", *each.AccountNumber())
	}
}

func (s *Suite) TestFindByAccountNumber() {
	got, err := s.repo.Find(s.ctx, options.NewTransactionOptions().SetAccountNumber("1002"))
	s.NoError(err)

	// withdrawals from 1002 and transfers into it
	s.Len(got, 7)
}

func (s *Suite) TestFindByAmountRange() {
	cases := []struct {
		From int
		To   int
	}{
		{200, 800},
		{0, 300},
		{400, math.MaxInt32},
	}
	for _, tc := range cases {
		from := decimal.NewFromInt32(int32(tc.From))
		to := decimal.NewFromInt32(int32(tc.To))

		intRange := &options.DecimalRange{
			Low:  &from,
			High: &to,
		}

		opts := options.NewTransactionOptions()
		opts.SetAmountRange(intRange)
		got, err := s.repo.Find(s.ctx, opts)
		s.NoError(err)

		var want []*Transaction
		for _, each := range s.transactions {
			if each.Amount.LessThan(from) || each.Amount.GreaterThan(to) {
				continue
			}

			want = append(want, each)
		}

		s.Equal(want, got, "values should range from %s to %s", from.String(), to.String())
	}
}

func (s *Suite) TestFindByTimeRange() {
	cases := []struct {
		From *time.Time
		To   *time.Time
	}{
		{Time(s.transactions[2].CreatedAt), Time(s.transactions[5].CreatedAt)},
		{Time(s.transactions[8].CreatedAt), nil},
		{nil, Time(s.transactions[0].CreatedAt)},
	}
	for _, tc := range cases {
		timeRange := &options.TimeRange{
			Low:  tc.From,
			High: tc.To,
		}

		opts := options.NewTransactionOptions()
		opts.SetTimeRange(timeRange)
		got, err := s.repo.Find(s.ctx, opts)
		s.NoError(err)

		var want []*Transaction
		for _, each := range s.transactions {
			if tc.From != nil && each.CreatedAt.Before(*tc.From) {
				continue
			}
			if tc.To != nil && each.CreatedAt.After(*tc.To) {
				continue
			}
			want = append(want, each)
		}

		s.Equal(want, got)
	}
}

func (s *Suite) TestLimit() {
	got, err := s.repo.Find(s.ctx, options.NewTransactionOptions().SetLimit(4))
	s.NoError(err)
	s.Equal(s.transactions[:4], got)
}

func Time(v time.Time) *time.Time {
	return &v
}

func (s *Suite) refreshInMem() {
	s.transactions = s.transactions[:0] // clear our in-memory transactions
	err := s.db.Select(&s.transactions, selectTransaction+orderTransaction)
	s.NoError(err)
}
