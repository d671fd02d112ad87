// Package web exposes the ledger over HTTP/JSON.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bankledger/account"
	"bankledger/internal/auth"
	"bankledger/internal/fault"
	"bankledger/internal/queue"
	"bankledger/ledger"
	"bankledger/transaction"
	"bankledger/transaction/options"
)

type Ledger interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (string, error)
	Deposit(ctx context.Context, req ledger.DepositRequest) (string, error)
	Withdrawal(ctx context.Context, req ledger.WithdrawalRequest) (string, error)
}

type Transactions interface {
	FindAll(ctx context.Context, opts ...*options.TransactionOptions) ([]*transaction.Transaction, error)
	FindByID(ctx context.Context, id string) (*transaction.Transaction, error)
}

type Accounts interface {
	Create(ctx context.Context, req account.CreateRequest) (int64, error)
	FindAll(ctx context.Context) ([]*account.Account, error)
	FindByID(ctx context.Context, id int64) (*account.Account, error)
	FindByNumber(ctx context.Context, number string) (*account.Account, error)
}

type DeadLetters interface {
	DeadLetters(ctx context.Context) ([]*queue.Job, error)
}

type Authorizer interface {
	Authorize(subject, object, action string) error
}

type Config struct {
	Ledger       Ledger
	Transactions Transactions
	Accounts     Accounts
	Queue        DeadLetters
	// optional, every route but /health is checked when set
	Authorizer Authorizer
	Logger     *zap.Logger
}

type Server struct {
	*Config
	logger    *zap.Logger
	validator *validator.Validate
}

// NewHandler returns the routed HTTP handler
func NewHandler(config *Config) (http.Handler, error) {
	if config.Ledger == nil || config.Transactions == nil || config.Accounts == nil {
		return nil, errors.New("web: ledger, transactions and accounts are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Config:    config,
		logger:    logger.Named("http"),
		validator: newValidator(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	if config.Authorizer != nil {
		api.Use(s.authorize)
	}
	api.HandleFunc("/transaction/transfer", s.transfer).Methods(http.MethodPost)
	api.HandleFunc("/transaction/deposit", s.deposit).Methods(http.MethodPost)
	api.HandleFunc("/transaction/withdrawal", s.withdrawal).Methods(http.MethodPost)
	api.HandleFunc("/transaction", s.findTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transaction/{id}", s.findTransaction).Methods(http.MethodGet)
	api.HandleFunc("/account", s.createAccount).Methods(http.MethodPost)
	api.HandleFunc("/account", s.findAccounts).Methods(http.MethodGet)
	api.HandleFunc("/account/number/{number}", s.findAccountByNumber).Methods(http.MethodGet)
	api.HandleFunc("/account/{id:[0-9]+}", s.findAccount).Methods(http.MethodGet)
	if config.Queue != nil {
		api.HandleFunc("/queue/dead", s.deadLetters).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, fault.NotFound("route %s not found", req.URL.Path))
	})
	return r, nil
}

// NewHTTPServer wraps the handler in an *http.Server, serving TLS when tlsConfig is set
func NewHTTPServer(config *Config, tlsConfig *tls.Config) (*http.Server, error) {
	h, err := NewHandler(config)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

// the object of a request is its first path segment, the action follows the method
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _, _ := r.BasicAuth()
		object := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]
		action := auth.ActionWrite
		if r.Method == http.MethodGet {
			action = auth.ActionRead
		}
		if err := s.Authorizer.Authorize(subject, object, action); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type idResponse struct {
	ID interface{} `json:"id"`
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.KindBadRequest, err, "malformed request body")
	}
	return s.validate(v)
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Ledger.Transfer(r.Context(), req)
	s.accepted(w, r, id, err)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req ledger.DepositRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Ledger.Deposit(r.Context(), req)
	s.accepted(w, r, id, err)
}

func (s *Server) withdrawal(w http.ResponseWriter, r *http.Request) {
	var req ledger.WithdrawalRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Ledger.Withdrawal(r.Context(), req)
	s.accepted(w, r, id, err)
}

// a movement is accepted once it has either committed or been queued
func (s *Server) accepted(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, idResponse{ID: id})
}

type transactionItem struct {
	ID                 string      `json:"id"`
	Amount             json.Number `json:"amount"`
	Type               string      `json:"type"`
	Account            *string     `json:"account,omitempty"`
	SourceAccount      *string     `json:"sourceAccount,omitempty"`
	DestinationAccount *string     `json:"destinationAccount,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

func newTransactionItem(t *transaction.Transaction) transactionItem {
	item := transactionItem{
		ID:        t.ID,
		Amount:    json.Number(t.Amount.String()),
		Type:      string(t.Type),
		CreatedAt: t.CreatedAt,
	}
	if t.Type == transaction.Transfer {
		item.SourceAccount = t.SourceAccountNumber
		item.DestinationAccount = t.DestinationAccountNumber
	} else {
		item.Account = t.AccountNumber()
	}
	return item
}

func (s *Server) findTransactions(w http.ResponseWriter, r *http.Request) {
	opts, err := transactionOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	all, err := s.Transactions.FindAll(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]transactionItem, 0, len(all))
	for _, t := range all {
		items = append(items, newTransactionItem(t))
	}
	s.writeJSON(w, http.StatusOK, items)
}

// transactionOptions reads the optional filters
// ?type=DEPOSIT&type=TRANSFER&account=1001&minAmount=1&maxAmount=50&from=RFC3339&to=RFC3339&limit=10
func transactionOptions(r *http.Request) (*options.TransactionOptions, error) {
	q := r.URL.Query()
	opts := options.NewTransactionOptions()

	for _, t := range q["type"] {
		if !transaction.Type(t).Valid() {
			return nil, fault.BadRequest("unknown transaction type %q", t)
		}
	}
	opts.SetTypes(q["type"]...)
	opts.SetAccountNumber(q.Get("account"))

	amounts := options.NewDecimalRange()
	for param, dst := range map[string]**decimal.Decimal{"minAmount": &amounts.Low, "maxAmount": &amounts.High} {
		if v := q.Get(param); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fault.BadRequest("%s must be a number", param)
			}
			*dst = &d
		}
	}
	if amounts.Low != nil || amounts.High != nil {
		opts.SetAmountRange(amounts)
	}

	times := &options.TimeRange{}
	for param, dst := range map[string]**time.Time{"from": &times.Low, "to": &times.High} {
		if v := q.Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fault.BadRequest("%s must be an RFC 3339 timestamp", param)
			}
			ts = ts.UTC()
			*dst = &ts
		}
	}
	if times.Low != nil || times.High != nil {
		opts.SetTimeRange(times)
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, fault.BadRequest("limit must be a non-negative integer")
		}
		opts.SetLimit(limit)
	}
	return opts, nil
}

func (s *Server) findTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.Transactions.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTransactionItem(t))
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req account.CreateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Accounts.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) findAccounts(w http.ResponseWriter, r *http.Request) {
	all, err := s.Accounts.FindAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if all == nil {
		all = []*account.Account{}
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) findAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, r, fault.BadRequest("account id must be an integer"))
		return
	}
	a, err := s.Accounts.FindByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) findAccountByNumber(w http.ResponseWriter, r *http.Request) {
	a, err := s.Accounts.FindByNumber(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}
