package store

import (
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// The Apply helpers mutate an in-memory user. Backends load the user inside a
// database transaction, apply one helper and write the result back, so every
// path that moves funds enforces 0 <= locked <= balance in the same place.

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// ApplyReserve moves amount from available to locked.
func ApplyReserve(u *models.User, asset string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	available := u.Available(asset)
	if available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s required, %s available", ErrInsufficientFunds, amount.String(), asset, available.String())
	}
	w := u.Wallet(asset)
	w.Locked = w.Locked.Add(amount)
	return nil
}

// ApplyCommit debits a settled reservation from balance and locked. When txn is
// a BUY the purchased keys and buy statistics are credited as well.
func ApplyCommit(u *models.User, asset string, amount decimal.Decimal, txn *models.Transaction) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	w, ok := u.Wallets[asset]
	if !ok || w.Locked.LessThan(amount) || w.Balance.LessThan(amount) {
		return fmt.Errorf("%w: commit of %s %s exceeds locked funds", ErrInsufficientFunds, amount.String(), asset)
	}
	w.Balance = w.Balance.Sub(amount)
	w.Locked = w.Locked.Sub(amount)

	if txn != nil && txn.Type == models.TransactionBuy {
		u.KeyBalance += txn.KeysAmount
		u.Stats.TotalBuys++
		u.Stats.TotalKeysPurchased += txn.KeysAmount
		u.Stats.TotalVolume = u.Stats.TotalVolume.Add(txn.UsdValue)
	}
	return nil
}

// ApplyRelease returns locked funds to available.
func ApplyRelease(u *models.User, asset string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	w, ok := u.Wallets[asset]
	if !ok || w.Locked.LessThan(amount) {
		return fmt.Errorf("release of %s %s exceeds locked funds", amount.String(), asset)
	}
	w.Locked = w.Locked.Sub(amount)
	return nil
}

// ApplySell debits keys and credits the net crypto amount of a SELL.
func ApplySell(u *models.User, txn *models.Transaction) error {
	if txn.KeysAmount <= 0 {
		return fmt.Errorf("%w: %d keys", ErrInvalidAmount, txn.KeysAmount)
	}
	if u.KeyBalance < txn.KeysAmount {
		return fmt.Errorf("%w: %d required, %d held", ErrInsufficientKeys, txn.KeysAmount, u.KeyBalance)
	}
	if txn.CryptoAmount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, txn.CryptoAmount.String())
	}
	u.KeyBalance -= txn.KeysAmount
	w := u.Wallet(txn.Cryptocurrency)
	w.Balance = w.Balance.Add(txn.CryptoAmount)

	u.Stats.TotalSells++
	u.Stats.TotalKeysSold += txn.KeysAmount
	u.Stats.TotalVolume = u.Stats.TotalVolume.Add(txn.UsdValue)
	return nil
}

// ApplyDeposit credits amount to the asset balance.
func ApplyDeposit(u *models.User, asset string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	w := u.Wallet(asset)
	w.Balance = w.Balance.Add(amount)
	return nil
}

// ApplyRefund reverses the balance effects of a settled BUY or SELL.
// Statistics are not rewound.
func ApplyRefund(u *models.User, txn *models.Transaction) error {
	switch txn.Type {
	case models.TransactionSell:
		available := u.Available(txn.Cryptocurrency)
		if available.LessThan(txn.CryptoAmount) {
			return fmt.Errorf("%w: %s %s required, %s available",
				ErrInsufficientFunds, txn.CryptoAmount.String(), txn.Cryptocurrency, available.String())
		}
		w := u.Wallet(txn.Cryptocurrency)
		w.Balance = w.Balance.Sub(txn.CryptoAmount)
		u.KeyBalance += txn.KeysAmount
	case models.TransactionBuy:
		if u.KeyBalance < txn.KeysAmount {
			return fmt.Errorf("%w: %d required, %d held", ErrInsufficientKeys, txn.KeysAmount, u.KeyBalance)
		}
		u.KeyBalance -= txn.KeysAmount
		w := u.Wallet(txn.Cryptocurrency)
		w.Balance = w.Balance.Add(txn.CryptoAmount)
	default:
		return fmt.Errorf("refund not supported for %s transactions", txn.Type)
	}
	return nil
}

// CheckInvariants validates every wallet and the key balance.
func CheckInvariants(u *models.User) error {
	if u.KeyBalance < 0 {
		return fmt.Errorf("negative key balance %d for user %s", u.KeyBalance, u.Id)
	}
	for asset, w := range u.Wallets {
		if !w.Valid() {
			return fmt.Errorf("wallet %s for user %s violates 0 <= locked (%s) <= balance (%s)",
				asset, u.Id, w.Locked.String(), w.Balance.String())
		}
	}
	return nil
}

// ApplyStatus moves a non-terminal transaction to status, appending note and
// stamping CompletedAt when the new status is terminal.
func ApplyStatus(txn *models.Transaction, status models.TransactionStatus, note string, now time.Time) error {
	if txn.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalTransaction, txn.Id, txn.Status)
	}
	txn.Status = status
	if note != "" {
		if txn.Notes == "" {
			txn.Notes = note
		} else {
			txn.Notes = txn.Notes + "; " + note
		}
	}
	if status.Terminal() {
		t := now.UTC()
		txn.CompletedAt = &t
	}
	return nil
}

// BindReservation attaches a HELD reservation to the transaction it funds.
func BindReservation(res *models.Reservation, txn *models.Transaction, now time.Time) error {
	if res.Status != models.ReservationHeld {
		return fmt.Errorf("%w: %s is %s", ErrReservationClosed, res.Id, res.Status)
	}
	if res.UserId != txn.UserId {
		return fmt.Errorf("reservation %s belongs to user %s, not %s", res.Id, res.UserId, txn.UserId)
	}
	if res.Asset != txn.Cryptocurrency || !res.Amount.Equal(txn.CryptoAmount) {
		return fmt.Errorf("reservation %s holds %s %s, transaction needs %s %s",
			res.Id, res.Amount.String(), res.Asset, txn.CryptoAmount.String(), txn.Cryptocurrency)
	}
	res.Status = models.ReservationBound
	res.TransactionId = txn.Id
	res.UpdatedAt = now.UTC()
	return nil
}

// CloseReservation moves an open reservation to COMMITTED or RELEASED.
func CloseReservation(res *models.Reservation, status models.ReservationStatus, now time.Time) error {
	if !res.Status.Open() {
		return fmt.Errorf("%w: %s is %s", ErrReservationClosed, res.Id, res.Status)
	}
	res.Status = status
	res.UpdatedAt = now.UTC()
	return nil
}
