package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tutorloop/ledger/internal/credit"
	"github.com/tutorloop/ledger/internal/oplog"
	"github.com/tutorloop/ledger/internal/renewal"
	"github.com/tutorloop/ledger/internal/store/gormstore"
	"github.com/tutorloop/ledger/internal/store/pgstore"
	"github.com/tutorloop/ledger/internal/wallet"
	"github.com/tutorloop/ledger/pkg/ledger"
)

const (
	flagDatabaseURL      = "database-url"
	configKeyDatabaseURL = "database_url"
	defaultDatabaseURL   = "sqlite:///tmp/tutorloop-ledger.db"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Tutoring marketplace account ledger tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")

	cmd.AddCommand(
		newBalanceCommand(cfg),
		newGrantCommand(cfg),
		newRevokeCommand(cfg),
		newSpendCommand(cfg),
		newAddFundsCommand(cfg),
		newDeductCommand(cfg),
		newTrialCommand(cfg),
		newGiftCommand(cfg),
		newRenewCommand(cfg),
		newHistoryCommand(cfg),
		newAuditCommand(cfg),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	return nil
}

// environment bundles the store and services a subcommand needs.
type environment struct {
	store   ledger.Store
	credits *credit.Service
	wallet  *wallet.Service
	logger  *zap.Logger
	cleanup func() error
}

func (env *environment) close() {
	_ = env.logger.Sync()
	if env.cleanup != nil {
		_ = env.cleanup()
	}
}

// openEnvironment migrates the schema through gorm and wires the driver
// matching store: pgx for postgres, gorm over sqlite otherwise. Both
// stores read and write the same gorm-managed tables.
func openEnvironment(ctx context.Context, cfg *runtimeConfig) (*environment, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var (
		store   ledger.Store
		cleanup func() error
	)
	switch driver {
	case driverPostgres:
		migrateDB, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.Migrate(migrateDB); err != nil {
			return nil, err
		}
		if sqlDB, err := migrateDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pool open: %w", err)
		}
		store = pgstore.New(pool)
		cleanup = func() error {
			pool.Close()
			return nil
		}
	case driverSQLite:
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.Migrate(db); err != nil {
			return nil, err
		}
		store = gormstore.New(db.WithContext(ctx))
		cleanup = func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := oplog.NewZapLogger(logger)

	creditService, err := credit.NewService(store, clock, credit.WithOperationLogger(operationLogger))
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	walletService, err := wallet.NewService(store, clock, wallet.WithOperationLogger(operationLogger))
	if err != nil {
		return nil, fmt.Errorf("wallet service init: %w", err)
	}

	return &environment{
		store:   store,
		credits: creditService,
		wallet:  walletService,
		logger:  logger,
		cleanup: cleanup,
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "ledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func withEnvironment(cfg *runtimeConfig, fn func(ctx context.Context, env *environment) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.close()
		return fn(cmd.Context(), env)
	}
}

func newBalanceCommand(cfg *runtimeConfig) *cobra.Command {
	var learnerIDValue string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print wallet and credit balances for a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	_ = cmd.MarkFlagRequired("learner")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		balances, err := env.credits.Balances(ctx, learnerID)
		if err != nil {
			return err
		}
		fmt.Printf("wallet_cents=%d credits=%d trial_credits_issued=%d\n",
			balances.WalletCents, balances.Credits, balances.TrialCreditsIssued)
		return nil
	})
	return cmd
}

func newGrantCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		amountValue    int64
		description    string
		keyValue       string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant lesson credits to a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().Int64Var(&amountValue, "credits", 0, "credits to grant")
	cmd.Flags().StringVar(&description, "description", "manual grant", "entry description")
	cmd.Flags().StringVar(&keyValue, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("credits")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		amount, err := ledger.NewCreditAmount(amountValue)
		if err != nil {
			return err
		}
		key, err := optionalKey(keyValue)
		if err != nil {
			return err
		}
		receipt, err := env.credits.Grant(ctx, learnerID, amount, ledger.KindCreditGrant, description, key)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newRevokeCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		amountValue    int64
		description    string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke lesson credits from a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().Int64Var(&amountValue, "credits", 0, "credits to revoke")
	cmd.Flags().StringVar(&description, "description", "manual revoke", "entry description")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("credits")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		amount, err := ledger.NewCreditAmount(amountValue)
		if err != nil {
			return err
		}
		receipt, err := env.credits.Revoke(ctx, learnerID, amount, description)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newSpendCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		bookingRef     string
	)
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Spend one lesson credit against a booking",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().StringVar(&bookingRef, "booking", "", "booking reference id")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("booking")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		receipt, err := env.credits.SpendOne(ctx, learnerID, bookingRef)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newAddFundsCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		amountCents    int64
		paymentID      string
	)
	cmd := &cobra.Command{
		Use:   "add-funds",
		Short: "Credit a settled payment to a learner's wallet",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().Int64Var(&amountCents, "cents", 0, "amount in cents")
	cmd.Flags().StringVar(&paymentID, "payment", "", "external payment id")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("cents")
	_ = cmd.MarkFlagRequired("payment")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		amount, err := ledger.NewPositiveAmountCents(amountCents)
		if err != nil {
			return err
		}
		receipt, err := env.wallet.AddFunds(ctx, learnerID, amount, paymentID)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newDeductCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		amountCents    int64
		referenceID    string
		description    string
	)
	cmd := &cobra.Command{
		Use:   "deduct",
		Short: "Deduct a charge from a learner's wallet",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().Int64Var(&amountCents, "cents", 0, "amount in cents")
	cmd.Flags().StringVar(&referenceID, "reference", "", "charge reference id")
	cmd.Flags().StringVar(&description, "description", "wallet charge", "entry description")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("cents")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		amount, err := ledger.NewPositiveAmountCents(amountCents)
		if err != nil {
			return err
		}
		receipt, err := env.wallet.DeductFunds(ctx, learnerID, amount, referenceID, description)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newTrialCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		paymentID      string
	)
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Record a trial lesson credit issued to a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().StringVar(&paymentID, "payment", "", "external payment id")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("payment")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		receipt, err := env.wallet.IssueTrialCredit(ctx, learnerID, paymentID)
		if err != nil {
			return err
		}
		printReceipt(receipt)
		return nil
	})
	return cmd
}

func newGiftCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		purchaserValue string
		recipientEmail string
		amountValue    int64
		paymentID      string
	)
	cmd := &cobra.Command{
		Use:   "gift",
		Short: "Transfer purchased credits to a recipient by email",
	}
	cmd.Flags().StringVar(&purchaserValue, "purchaser", "", "purchasing learner id")
	cmd.Flags().StringVar(&recipientEmail, "recipient", "", "recipient email")
	cmd.Flags().Int64Var(&amountValue, "credits", 0, "credits to gift")
	cmd.Flags().StringVar(&paymentID, "payment", "", "external payment id")
	_ = cmd.MarkFlagRequired("purchaser")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("credits")
	_ = cmd.MarkFlagRequired("payment")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		purchaserID, err := ledger.NewLearnerID(purchaserValue)
		if err != nil {
			return err
		}
		amount, err := ledger.NewCreditAmount(amountValue)
		if err != nil {
			return err
		}
		receipt, err := env.credits.TransferGift(ctx, purchaserID, recipientEmail, amount, paymentID)
		if err != nil {
			return err
		}
		if receipt.Resolved {
			fmt.Printf("gift_id=%s resolved entry_id=%s\n", receipt.GiftID, receipt.Receipt.EntryID.String())
		} else {
			fmt.Printf("gift_id=%s unresolved entry_id=%s\n", receipt.GiftID, receipt.Receipt.EntryID.String())
		}
		return nil
	})
	return cmd
}

// staticPlanSource feeds the renewal tick from command-line flags; in a
// deployment the plan catalog would back this interface.
type staticPlanSource struct {
	planCredits int64
	hasPlan     bool
	rollover    bool
}

func (source staticPlanSource) PlanCredits(context.Context, ledger.LearnerID) (int64, bool, error) {
	return source.planCredits, source.hasPlan, nil
}

func (source staticPlanSource) RolloverEnabled(context.Context) (bool, error) {
	return source.rollover, nil
}

func newRenewCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		planCredits    int64
		rollover       bool
		cycleID        string
	)
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Apply one subscription renewal tick for a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().Int64Var(&planCredits, "plan-credits", 0, "credits included in the plan")
	cmd.Flags().BoolVar(&rollover, "rollover", false, "add plan credits on top of the remaining balance")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "billing cycle id")
	_ = cmd.MarkFlagRequired("learner")
	_ = cmd.MarkFlagRequired("cycle")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		key, err := ledger.NewIdempotencyKey("renewal:" + learnerIDValue + ":" + cycleID)
		if err != nil {
			return err
		}
		plans := staticPlanSource{planCredits: planCredits, hasPlan: planCredits > 0, rollover: rollover}
		renewalService, err := renewal.NewService(env.credits, plans)
		if err != nil {
			return err
		}
		outcome, err := renewalService.Renew(ctx, learnerID, key)
		if err != nil {
			return err
		}
		if outcome.Skipped {
			fmt.Println("skipped: no active plan credits")
			return nil
		}
		mode := "reset"
		if outcome.RolledOver {
			mode = "rollover"
		}
		fmt.Printf("mode=%s delta=%+d entry_id=%s deduplicated=%t\n",
			mode, outcome.Delta, outcome.Receipt.EntryID.String(), outcome.Receipt.Deduplicated)
		return nil
	})
	return cmd
}

func newHistoryCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		learnerIDValue string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the newest ledger entries for a learner",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to print")
	_ = cmd.MarkFlagRequired("learner")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		entries, err := env.credits.History(ctx, learnerID, limit)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			created := time.Unix(entry.CreatedUnixUTC, 0).UTC().Format(time.RFC3339)
			fmt.Printf("%s %s %s %+d %s %s\n",
				created, entry.EntryID.String(), entry.Kind.String(), entry.Amount,
				entry.Status.String(), entry.Description)
		}
		return nil
	})
	return cmd
}

func newAuditCommand(cfg *runtimeConfig) *cobra.Command {
	var learnerIDValue string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Recompute balances from confirmed entries and report drift",
	}
	cmd.Flags().StringVar(&learnerIDValue, "learner", "", "learner id")
	_ = cmd.MarkFlagRequired("learner")
	cmd.RunE = withEnvironment(cfg, func(ctx context.Context, env *environment) error {
		learnerID, err := ledger.NewLearnerID(learnerIDValue)
		if err != nil {
			return err
		}
		accountID, err := env.store.GetOrCreateAccountID(ctx, learnerID)
		if err != nil {
			return err
		}
		balances, err := env.store.GetBalances(ctx, accountID)
		if err != nil {
			return err
		}
		walletSum, err := env.store.SumConfirmed(ctx, accountID, ledger.DomainWallet)
		if err != nil {
			return err
		}
		creditSum, err := env.store.SumConfirmed(ctx, accountID, ledger.DomainCredits)
		if err != nil {
			return err
		}
		walletDrift := balances.WalletCents - walletSum
		creditDrift := balances.Credits - creditSum
		fmt.Printf("wallet balance=%d ledger=%d drift=%+d\n", balances.WalletCents, walletSum, walletDrift)
		fmt.Printf("credits balance=%d ledger=%d drift=%+d\n", balances.Credits, creditSum, creditDrift)
		if walletDrift != 0 || creditDrift != 0 {
			return fmt.Errorf("ledger drift detected for learner %s", learnerID.String())
		}
		fmt.Println("ok")
		return nil
	})
	return cmd
}

func optionalKey(raw string) (ledger.IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return ledger.IdempotencyKey{}, nil
	}
	return ledger.NewIdempotencyKey(raw)
}

func printReceipt(receipt ledger.Receipt) {
	fmt.Printf("entry_id=%s deduplicated=%t\n", receipt.EntryID.String(), receipt.Deduplicated)
}
