package common

import (
	"fmt"
	"sort"
	"strings"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	// Default separator widths
	DefaultWidth = 80
	WideWidth    = 100
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintSeparatorNewline prints a separator with a newline before it
func PrintSeparatorNewline(char string, width int) {
	fmt.Println("\n" + strings.Repeat(char, width))
}

// PrintHeader prints a formatted header with title and separators
func PrintHeader(title string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a formatted footer with message and separators
func PrintFooter(message string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(width int) {
	fmt.Println("├" + strings.Repeat("─", width))
}

// BoxPrefix returns the appropriate box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// ShortId truncates an id for tabular output
func ShortId(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

// PrintQuote renders a buycost/sellcost estimate
func PrintQuote(q *models.Quote) {
	title := "BUY COST"
	if q.Side == models.TransactionSell {
		title = "SELL PROCEEDS"
	}
	PrintHeader(fmt.Sprintf("%s: %d KEYS WITH %s", title, q.KeysAmount, q.Cryptocurrency), DefaultWidth)
	fmt.Printf("Unit price:     %s USD\n", q.UnitPrice.String())
	fmt.Printf("Price per key:  %s %s\n", q.PricePerKey.String(), q.Cryptocurrency)
	fmt.Printf("Gross:          %s %s\n", q.GrossAmount.String(), q.Cryptocurrency)
	if q.Side == models.TransactionSell {
		fmt.Printf("Fee:            %s %s\n", q.Fee.String(), q.Cryptocurrency)
		fmt.Printf("You receive:    %s %s\n", q.NetAmount.String(), q.Cryptocurrency)
	}
	fmt.Printf("USD value:      %s\n", q.UsdValue.StringFixed(2))
	PrintSeparator("=", DefaultWidth)
}

// PrintOrderResult renders a completed buy or sell
func PrintOrderResult(r *models.OrderResult) {
	PrintHeader(fmt.Sprintf("%s %d KEYS (%s)", r.Type, r.KeysAmount, r.Status), DefaultWidth)
	fmt.Printf("Transaction:    %s\n", r.TransactionId)
	if r.ReservationId != "" {
		fmt.Printf("Reservation:    %s\n", r.ReservationId)
	}
	fmt.Printf("Amount:         %s %s\n", r.NetAmount.String(), r.Cryptocurrency)
	if r.Fee.IsPositive() {
		fmt.Printf("Fee:            %s %s\n", r.Fee.String(), r.Cryptocurrency)
	}
	fmt.Printf("USD value:      %s\n", r.UsdValue.StringFixed(2))
	fmt.Printf("Risk:           %s (%d)", r.RiskLevel, r.RiskScore)
	if r.Flagged {
		fmt.Print(" FLAGGED")
	}
	fmt.Println()
	PrintBoxSeparator(DefaultWidth - 2)
	fmt.Printf("%s %-6s available %s, locked %s\n", BoxPrefix(false), r.Wallet.Asset, r.Wallet.Available.String(), r.Wallet.Locked.String())
	fmt.Printf("%s %-6s %d\n", BoxPrefix(true), "KEYS", r.KeyBalance)
	PrintSeparator("=", DefaultWidth)
}

// PrintSettlement renders a confirm or cancel outcome
func PrintSettlement(r *models.SettlementResult) {
	PrintHeader(fmt.Sprintf("SETTLEMENT %s", r.Status), DefaultWidth)
	fmt.Printf("Transaction:    %s\n", r.TransactionId)
	fmt.Printf("Wallet:         %s available %s, locked %s\n", r.Wallet.Asset, r.Wallet.Available.String(), r.Wallet.Locked.String())
	fmt.Printf("Keys:           %d\n", r.KeyBalance)
	PrintSeparator("=", DefaultWidth)
}

// PrintPrices renders USD prices sorted by symbol
func PrintPrices(prices map[string]decimal.Decimal) {
	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	PrintHeader("PRICES (USD)", DefaultWidth)
	for i, symbol := range symbols {
		fmt.Printf("%s %-6s %s\n", BoxPrefix(i == len(symbols)-1), symbol, prices[symbol].String())
	}
	PrintSeparator("=", DefaultWidth)
}

// PrintUserStats renders trading totals for one user
func PrintUserStats(s *models.StatsSummary, keys int64) {
	PrintHeader("TRADING STATS", DefaultWidth)
	fmt.Printf("Keys held:      %d\n", keys)
	fmt.Printf("Buys:           %d (%d keys)\n", s.TotalBuys, s.TotalKeysPurchased)
	fmt.Printf("Sells:          %d (%d keys)\n", s.TotalSells, s.TotalKeysSold)
	fmt.Printf("Volume:         %s USD\n", s.TotalVolume.String())
	fmt.Printf("Average trade:  %s USD\n", s.AverageTradeValue.String())
	fmt.Printf("Member since:   %s\n", s.MemberSince.Format("2006-01-02"))
	PrintSeparator("=", DefaultWidth)
}
