package store

import (
	"fmt"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Movement names a balance movement recorded in the double-entry journal
type Movement string

const (
	MovementReserve    Movement = "reserve"
	MovementRelease    Movement = "release"
	MovementCommit     Movement = "commit"
	MovementSell       Movement = "sell"
	MovementDeposit    Movement = "deposit"
	MovementRefundBuy  Movement = "refund_buy"
	MovementRefundSell Movement = "refund_sell"
	MovementOpening    Movement = "opening"
)

// Journal account types holding a user's funds
const (
	AccountUserAvailable = "user_available"
	AccountUserLocked    = "user_locked"
)

// JournalEntry is one side of a double-entry pair
type JournalEntry struct {
	AccountType  string
	AccountId    string
	DebitAmount  decimal.Decimal
	CreditAmount decimal.Decimal
}

// MovementFor maps a transaction created together with a user write to its movement.
func MovementFor(txn *models.Transaction) (Movement, bool) {
	switch txn.Type {
	case models.TransactionSell:
		return MovementSell, true
	case models.TransactionDeposit:
		return MovementDeposit, true
	default:
		return "", false
	}
}

// RefundMovementFor returns the movement that reverses a settled transaction
func RefundMovementFor(txn *models.Transaction) (Movement, bool) {
	switch txn.Type {
	case models.TransactionSell:
		return MovementRefundSell, true
	case models.TransactionBuy:
		return MovementRefundBuy, true
	default:
		return "", false
	}
}

// JournalAccountId is the account id used for a user's funds in one asset
func JournalAccountId(userId, asset string) string {
	return fmt.Sprintf("%s_%s", userId, asset)
}

// Posting is a movement of one amount, used to replay seeded wallets
type Posting struct {
	Movement Movement
	Amount   decimal.Decimal
}

// OpeningPostings brings a freshly created wallet into the journal: its
// balance as an opening deposit, then its locked part as a reservation.
func OpeningPostings(wallet *models.Wallet) []Posting {
	var postings []Posting
	if wallet.Balance.IsPositive() {
		postings = append(postings, Posting{Movement: MovementOpening, Amount: wallet.Balance})
	}
	if wallet.Locked.IsPositive() {
		postings = append(postings, Posting{Movement: MovementReserve, Amount: wallet.Locked})
	}
	return postings
}

// JournalEntries creates the debit/credit pair for a movement. User funds are
// split into available and locked accounts, crypto paid for keys sits in the
// desk account and external deposits are a system liability.
func JournalEntries(movement Movement, userId, asset string, amount decimal.Decimal) []JournalEntry {
	user := JournalAccountId(userId, asset)
	desk := fmt.Sprintf("desk_%s", asset)
	liability := fmt.Sprintf("user_deposits_%s", asset)

	pair := func(debitType, debitId, creditType, creditId string) []JournalEntry {
		return []JournalEntry{
			{AccountType: debitType, AccountId: debitId, DebitAmount: amount, CreditAmount: decimal.Zero},
			{AccountType: creditType, AccountId: creditId, DebitAmount: decimal.Zero, CreditAmount: amount},
		}
	}

	switch movement {
	case MovementReserve:
		return pair(AccountUserLocked, user, AccountUserAvailable, user)
	case MovementRelease:
		return pair(AccountUserAvailable, user, AccountUserLocked, user)
	case MovementCommit:
		return pair("desk_asset", desk, AccountUserLocked, user)
	case MovementSell:
		return pair(AccountUserAvailable, user, "desk_asset", desk)
	case MovementDeposit, MovementOpening:
		return pair(AccountUserAvailable, user, "system_liability", liability)
	case MovementRefundBuy:
		return pair(AccountUserAvailable, user, "desk_asset", desk)
	case MovementRefundSell:
		return pair("desk_asset", desk, AccountUserAvailable, user)
	default:
		return nil
	}
}
