package stats

import (
	"sort"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// counted reports whether a transaction contributes to trading statistics.
// Failed and cancelled orders never moved funds for good.
func counted(txn *models.Transaction) bool {
	if txn.Type != models.TransactionBuy && txn.Type != models.TransactionSell {
		return false
	}
	return txn.Status != models.StatusFailed && txn.Status != models.StatusCancelled
}

// revenue is the USD value of the fee; usd value is priced on the gross amount
func revenue(txn *models.Transaction) decimal.Decimal {
	if !txn.Fee.IsPositive() {
		return decimal.Zero
	}
	gross := txn.CryptoAmount.Add(txn.Fee)
	if !gross.IsPositive() {
		return decimal.Zero
	}
	return txn.UsdValue.Mul(txn.Fee).Div(gross)
}

// Aggregate builds a platform snapshot for [start, end) from the transactions in it.
// KeysBought and KeysSold are from the users' side: keys bought by users and
// keys sold by users.
func Aggregate(txs []models.Transaction, totalUsers int, start, end time.Time) *models.PlatformStats {
	snapshot := &models.PlatformStats{
		Id:                  uuid.New().String(),
		PeriodStart:         start.UTC(),
		PeriodEnd:           end.UTC(),
		TotalUsers:          totalUsers,
		TotalVolume:         decimal.Zero,
		TotalRevenue:        decimal.Zero,
		AvgTransactionValue: decimal.Zero,
	}

	perAsset := make(map[string]*models.CryptoStats)
	for i := range txs {
		txn := &txs[i]
		if !counted(txn) {
			continue
		}

		snapshot.TotalTransactions++
		snapshot.TotalVolume = snapshot.TotalVolume.Add(txn.UsdValue)
		snapshot.TotalRevenue = snapshot.TotalRevenue.Add(revenue(txn))
		if txn.Type == models.TransactionBuy {
			snapshot.KeysBought += txn.KeysAmount
		} else {
			snapshot.KeysSold += txn.KeysAmount
		}

		cs, ok := perAsset[txn.Cryptocurrency]
		if !ok {
			cs = &models.CryptoStats{Cryptocurrency: txn.Cryptocurrency, VolumeTraded: decimal.Zero}
			perAsset[txn.Cryptocurrency] = cs
		}
		cs.VolumeTraded = cs.VolumeTraded.Add(txn.CryptoAmount.Add(txn.Fee))
		cs.TransactionCount++
	}

	if snapshot.TotalTransactions > 0 {
		snapshot.AvgTransactionValue = snapshot.TotalVolume.Div(decimal.NewFromInt(int64(snapshot.TotalTransactions)))
	}

	for _, cs := range perAsset {
		snapshot.CryptoStats = append(snapshot.CryptoStats, *cs)
	}
	sort.Slice(snapshot.CryptoStats, func(i, j int) bool {
		return snapshot.CryptoStats[i].Cryptocurrency < snapshot.CryptoStats[j].Cryptocurrency
	})
	return snapshot
}
