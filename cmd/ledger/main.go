package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bankledger/config"
	"bankledger/internal/agent"
	"bankledger/internal/logging"
	"bankledger/internal/postgres"
	"bankledger/internal/queue"
)

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:          "ledger",
		Short:        "ledger: moves funds between accounts and retries what can't be applied right away",
		PreRunE:      cli.setupConfig,
		RunE:         cli.run,
		SilenceUsage: true,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type cli struct {
	cfg agent.Config
}

// Reads the config fields from flags, LEDGER_ environment variables or a file and setups the agent's config
func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	// POSTGRES_ settings may live in a .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			return err
		}
	}

	c.cfg.Addr = viper.GetString("http-addr")
	c.cfg.DataDir = viper.GetString("data-dir")
	c.cfg.Store = viper.GetString("store")
	c.cfg.PollInterval = viper.GetDuration("queue-poll-interval")
	c.cfg.RetryDomainErrors = viper.GetBool("retry-domain-errors")
	c.cfg.Redis = queue.RedisConfig{
		Addr:     viper.GetString("redis-addr"),
		Password: viper.GetString("redis-password"),
		DB:       viper.GetInt("redis-db"),
		Prefix:   viper.GetString("queue-prefix"),
	}
	c.cfg.Retry = queue.Options{
		Attempts: viper.GetInt("retry-attempts"),
		Backoff: queue.Backoff{
			Type:  viper.GetString("retry-backoff"),
			Delay: viper.GetDuration("retry-delay"),
		},
	}
	c.cfg.Logging = logging.Config{
		Level:      viper.GetString("log-level"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
		MaxAgeDays: viper.GetInt("log-max-age"),
	}

	if c.cfg.Store == agent.StorePostgres {
		if c.cfg.Postgres, err = postgres.ParseEnv(); err != nil {
			return err
		}
	}

	c.cfg.ACLModelFile = viper.GetString("acl-model-file")
	c.cfg.ACLPolicyFile = viper.GetString("acl-policy-file")
	if viper.GetBool("acl") && c.cfg.ACLModelFile == "" && c.cfg.ACLPolicyFile == "" {
		c.cfg.ACLModelFile, c.cfg.ACLPolicyFile = config.ACLModelFile, config.ACLPolicyFile
	}

	tlsConfig := config.TLSConfig{
		CertFile: viper.GetString("server-tls-cert-file"),
		KeyFile:  viper.GetString("server-tls-key-file"),
		CAFile:   viper.GetString("server-tls-ca-file"),
		Server:   true,
	}
	if viper.GetBool("tls") && tlsConfig.CertFile == "" && tlsConfig.KeyFile == "" {
		tlsConfig.CertFile, tlsConfig.KeyFile, tlsConfig.CAFile = config.ServerCertFile, config.ServerKeyFile, config.CAFile
	}
	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		if c.cfg.ServerTLSConfig, err = config.SetupTLSConfig(tlsConfig); err != nil {
			return err
		}
	}

	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc // block until the OS terminates the program
	return a.Shutdown()
}

func setupFlags(cmd *cobra.Command) error {
	fs := cmd.Flags()

	fs.String("config-file", "", "Path to config file")

	fs.String("http-addr", "127.0.0.1:8080", "Address serving HTTP and gRPC")
	fs.String("data-dir", filepath.Join(os.TempDir(), "bankledger"), "Directory holding the queue journal")
	fs.String("store", agent.StoreMemory, "Ledger store: postgres or memory")

	fs.String("redis-addr", "", "Redis address; the journal queue is used when empty")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.String("queue-prefix", "ledger", "Redis key prefix of the queue")
	fs.Duration("queue-poll-interval", time.Second, "How often the worker looks for due jobs")

	defaults := queue.DefaultOptions()
	fs.Int("retry-attempts", defaults.Attempts, "Attempts of a queued transaction")
	fs.Duration("retry-delay", defaults.Backoff.Delay, "Delay between attempts")
	fs.String("retry-backoff", defaults.Backoff.Type, "Backoff between attempts: fixed or exponential")
	fs.Bool("retry-domain-errors", true, "Queue transactions rejected for missing accounts or insufficient funds")

	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-file", "", "Rotating log file, stderr only when empty")
	fs.Int("log-max-size", 20, "Size in MB at which the log file rotates")
	fs.Int("log-max-backups", 0, "Rotated log files kept, 0 keeps all")
	fs.Int("log-max-age", 14, "Days a rotated log file is kept")

	fs.Bool("acl", false, "Enforce the ACL files from the config directory")
	fs.String("acl-model-file", "", "Path to ACL model")
	fs.String("acl-policy-file", "", "Path to ACL policy")

	fs.Bool("tls", false, "Serve TLS with the certificates from the config directory")
	fs.String("server-tls-cert-file", "", "Path to server tls cert")
	fs.String("server-tls-key-file", "", "Path to server tls key")
	fs.String("server-tls-ca-file", "", "Path to server certificate authority")

	viper.SetEnvPrefix("LEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return viper.BindPFlags(fs)
}
