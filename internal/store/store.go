package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrUserNotFound           = errors.New("user not found")
	ErrUserExists             = errors.New("user already exists")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientKeys       = errors.New("insufficient keys")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationClosed      = errors.New("reservation already closed")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrTerminalTransaction    = errors.New("transaction already in a terminal state")
	ErrBalanceMismatch        = errors.New("wallet does not match journal")
)

// Reconciliation compares a wallet with the sums of its journal accounts.
// JournalAvailable is debits minus credits on the user_available account and
// must equal Balance - Locked; JournalLocked must equal Locked.
type Reconciliation struct {
	UserId           string
	Asset            string
	Balance          decimal.Decimal
	Locked           decimal.Decimal
	JournalAvailable decimal.Decimal
	JournalLocked    decimal.Decimal
}

func (r *Reconciliation) Matches() bool {
	return r.JournalAvailable.Equal(r.Balance.Sub(r.Locked)) && r.JournalLocked.Equal(r.Locked)
}

// Err returns nil when the wallet matches, otherwise an ErrBalanceMismatch
// describing both sides.
func (r *Reconciliation) Err() error {
	if r.Matches() {
		return nil
	}
	return fmt.Errorf("%w: user %s asset %s: available %s vs journal %s, locked %s vs journal %s",
		ErrBalanceMismatch, r.UserId, r.Asset,
		r.Balance.Sub(r.Locked).String(), r.JournalAvailable.String(),
		r.Locked.String(), r.JournalLocked.String())
}

// ReserveParams moves Amount of Asset from available to locked for a user.
type ReserveParams struct {
	UserId    string
	Asset     string
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

// CommitReservationParams settles an open reservation. An empty
// TransactionStatus leaves the bound transaction's status unchanged.
type CommitReservationParams struct {
	ReservationId     string
	TransactionStatus models.TransactionStatus
}

// ReleaseReservationParams returns reserved funds to available. When the
// reservation is bound, the transaction moves to TransactionStatus with Note.
type ReleaseReservationParams struct {
	ReservationId     string
	TransactionStatus models.TransactionStatus
	Note              string
}

// SettleTransactionParams writes a user and moves an existing transaction to
// a new status in one atomic step.
type SettleTransactionParams struct {
	User          *models.User
	TransactionId string
	Status        models.TransactionStatus
	Note          string
}

// LedgerStore defines the contract that every backend (SQLite, Postgres) must satisfy.
type LedgerStore interface {
	// --- Users ---
	GetUser(ctx context.Context, userId string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpsertUser(ctx context.Context, user *models.User) error
	CommitUser(ctx context.Context, user *models.User, txn *models.Transaction) error

	// --- Transactions ---
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionId string, status models.TransactionStatus, note string) error
	SettleTransaction(ctx context.Context, params SettleTransactionParams) error
	ListTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]models.Transaction, error)
	CountOrdersSince(ctx context.Context, userId string, since time.Time) (int, error)
	CountFailedTransactions(ctx context.Context, userId string) (int, error)

	// --- Reservations ---
	Reserve(ctx context.Context, params ReserveParams) (*models.Reservation, error)
	CommitReservation(ctx context.Context, params CommitReservationParams) (*models.User, error)
	ReleaseReservation(ctx context.Context, params ReleaseReservationParams) error
	GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error)
	ListRecoverableReservations(ctx context.Context, now time.Time, grace time.Duration) ([]models.Reservation, error)

	// --- Reconciliation ---
	ReconcileBalance(ctx context.Context, userId, asset string) (*Reconciliation, error)

	// --- Statistics ---
	SavePlatformStats(ctx context.Context, stats *models.PlatformStats) error

	// --- Lifecycle ---
	Ping(ctx context.Context) error
	Close()
}
