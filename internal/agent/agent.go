// Package agent wires the ledger service together and runs it.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/soheilhy/cmux"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"bankledger/account"
	"bankledger/internal/auth"
	"bankledger/internal/logging"
	"bankledger/internal/postgres"
	"bankledger/internal/queue"
	"bankledger/internal/server"
	"bankledger/internal/store"
	"bankledger/internal/store/memstore"
	"bankledger/internal/telemetry"
	"bankledger/internal/web"
	"bankledger/ledger"
	"bankledger/transaction"
)

// store kinds
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	// HTTP and gRPC share this address, e.g. "127.0.0.1:8080"
	Addr string
	// terminates TLS for both protocols when set
	ServerTLSConfig *tls.Config
	// home of the journal queue
	DataDir string
	// StorePostgres or StoreMemory
	Store    string
	Postgres *postgres.Config
	// the queue lives in Redis when Redis.Addr is set, otherwise in the journal
	Redis        queue.RedisConfig
	PollInterval time.Duration
	Retry        queue.Options
	// see ledger.Config
	RetryDomainErrors bool
	Logging           logging.Config
	// the HTTP ACL is enforced when both files are set
	ACLModelFile  string
	ACLPolicyFile string
	// nil uses the global provider
	MeterProvider metric.MeterProvider
}

type Agent struct {
	Config Config

	logger  *zap.Logger
	metrics *telemetry.Metrics

	db           *sqlx.DB
	store        store.Store
	accounts     account.Repo
	transactions transaction.Repo

	queue  *queue.Queue
	worker *queue.Worker
	engine *ledger.Engine

	listener   net.Listener
	mux        cmux.CMux
	httpServer *http.Server
	grpcServer *grpc.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown     bool
	shutdownLock sync.Mutex
}

func New(config Config) (*Agent, error) {
	a := &Agent{Config: config}
	setup := []func() error{
		// order matters here
		a.setupLogger,
		a.setupMetrics,
		a.setupStore,
		a.setupQueue,
		a.setupLedger,
		a.setupMux,
		a.setupHTTP,
		a.setupGRPC,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			_ = a.Shutdown()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("retry worker stopped", zap.Error(err))
		}
	}()

	go a.serve()

	a.logger.Info("ledger started",
		zap.String("addr", a.Addr()),
		zap.String("store", a.Config.Store),
		zap.Bool("tls", a.Config.ServerTLSConfig != nil),
	)
	return a, nil
}

// Addr returns the address the agent listens on
func (a *Agent) Addr() string {
	return a.listener.Addr().String()
}

func (a *Agent) serve() {
	if err := a.mux.Serve(); err != nil && !isClosed(err) {
		a.logger.Error("serving connections", zap.Error(err))
		_ = a.Shutdown()
	}
}

func (a *Agent) setupLogger() error {
	var err error
	a.logger, err = logging.New(a.Config.Logging)
	return err
}

func (a *Agent) setupMetrics() error {
	var err error
	a.metrics, err = telemetry.New(a.Config.MeterProvider)
	return err
}

func (a *Agent) setupStore() error {
	switch a.Config.Store {
	case StorePostgres:
		if a.Config.Postgres == nil || !a.Config.Postgres.Configured() {
			return errors.New("postgres store selected but not configured")
		}
		db, err := postgres.Connect(a.Config.Postgres)
		if err != nil {
			return err
		}
		a.db = db
		a.store = store.NewPostgres(db, a.Config.Postgres.LockTimeout)
		if a.accounts, err = account.NewPostgresRepo(db); err != nil {
			return err
		}
		if a.transactions, err = transaction.NewPostgresRepo(db); err != nil {
			return err
		}
	case StoreMemory, "":
		a.logger.Warn("using the in-memory store, balances are lost on shutdown")
		m := memstore.New()
		a.store, a.accounts, a.transactions = m, m, m
	default:
		return fmt.Errorf("unknown store %q", a.Config.Store)
	}
	return nil
}

func (a *Agent) setupQueue() error {
	var backend queue.Backend
	if a.Config.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := queue.DialRedis(ctx, a.Config.Redis)
		if err != nil {
			return err
		}
		backend = r
	} else {
		if a.Config.DataDir == "" {
			return errors.New("a data directory is required for the journal queue")
		}
		j, err := queue.OpenJournal(filepath.Join(a.Config.DataDir, "queue"))
		if err != nil {
			return err
		}
		backend = j
	}

	a.queue = queue.New(backend, queue.WithLogger(a.logger), queue.WithMetrics(a.metrics))
	a.worker = queue.NewWorker(a.queue, queue.WorkerConfig{PollInterval: a.Config.PollInterval})
	return nil
}

func (a *Agent) setupLedger() error {
	c := ledger.DefaultConfig()
	c.Store = a.store
	c.Queue = a.queue
	c.Logger = a.logger
	c.Metrics = a.metrics
	c.RetryDomainErrors = a.Config.RetryDomainErrors
	if a.Config.Retry.Attempts > 0 {
		c.Retry = a.Config.Retry
	}

	var err error
	if a.engine, err = ledger.New(c); err != nil {
		return err
	}
	a.engine.Register(a.worker)
	return nil
}

// setupMux listens on Addr and splits gRPC from HTTP/1 traffic on the same port
func (a *Agent) setupMux() error {
	ln, err := net.Listen("tcp", a.Config.Addr)
	if err != nil {
		return err
	}
	if a.Config.ServerTLSConfig != nil {
		ln = tls.NewListener(ln, a.Config.ServerTLSConfig)
	}
	a.listener = ln
	a.mux = cmux.New(ln)
	return nil
}

func (a *Agent) setupHTTP() error {
	cfg := &web.Config{
		Ledger:       a.engine,
		Transactions: transaction.NewService(a.transactions, a.logger),
		Accounts:     account.NewService(a.accounts, a.logger),
		Queue:        a.queue,
		Logger:       a.logger,
	}
	if a.Config.ACLModelFile != "" && a.Config.ACLPolicyFile != "" {
		cfg.Authorizer = auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	}

	var err error
	// TLS is already terminated by the listener
	if a.httpServer, err = web.NewHTTPServer(cfg, nil); err != nil {
		return err
	}

	httpLn := a.mux.Match(cmux.HTTP1Fast())
	go func() {
		if err := a.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosed(err) {
			a.logger.Error("serving http", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) setupGRPC() error {
	cfg := &server.Config{Logger: a.logger}
	if a.db != nil {
		cfg.Probe = a.db.PingContext
	}

	var err error
	if a.grpcServer, err = server.NewGRPCServer(cfg); err != nil {
		return err
	}

	// HTTP/1 was matched first, everything else is gRPC over HTTP/2
	grpcLn := a.mux.Match(cmux.Any())
	go func() {
		if err := a.grpcServer.Serve(grpcLn); err != nil && !isClosed(err) {
			a.logger.Error("serving grpc", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	// ensures that Shutdown is only called once even if users call Shutdown() multiple times
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.shutdown = true

	var errs []error
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.httpServer.Shutdown(ctx))
		cancel()
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.listener != nil {
		if err := a.listener.Close(); err != nil && !isClosed(err) {
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logger != nil {
		a.logger.Info("ledger stopped")
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed)
}
