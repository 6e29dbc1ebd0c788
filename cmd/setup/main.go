package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/sweeper"

	"go.uber.org/zap"
)

// resolveAssets prefers the asset file and falls back to SUPPORTED_CRYPTOCURRENCIES
func resolveAssets(cfg *models.Config) []string {
	symbols, err := common.LoadAssetSymbols(cfg.Trading.AssetsFile)
	if err != nil {
		zap.L().Info("Using SUPPORTED_CRYPTOCURRENCIES",
			zap.String("assets_file", cfg.Trading.AssetsFile),
			zap.Error(err))
		return cfg.Trading.SupportedAssets
	}
	return symbols
}

func checkPrices(ctx context.Context, services *common.Services, symbols []string) int {
	var failed int
	common.PrintHeader("PRICE CHECK", common.DefaultWidth)
	sort.Strings(symbols)
	for i, symbol := range symbols {
		price, err := services.Oracle.GetPrice(ctx, symbol)
		if err != nil {
			failed++
			zap.L().Error("Price unavailable", zap.String("symbol", symbol), zap.Error(err))
			fmt.Printf("%s %-6s unavailable\n", common.BoxPrefix(i == len(symbols)-1), symbol)
			continue
		}
		fmt.Printf("%s %-6s %s USD\n", common.BoxPrefix(i == len(symbols)-1), symbol, price.String())
	}
	common.PrintSeparator("=", common.DefaultWidth)
	return failed
}

func main() {
	ctx := context.Background()

	pricesFlag := flag.Bool("prices", false, "Also fetch a price for every configured asset")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	zap.L().Info("Initializing ledger", zap.String("backend", cfg.Backend))

	// Opening the store creates the schema
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.Ledger.HealthCheck(ctx); err != nil {
		zap.L().Fatal("Ledger health check failed", zap.Error(err))
	}

	recovered, err := sweeper.New(services.Store, cfg.Worker.SweepInterval, cfg.Trading.ReservationGrace).RunOnce(ctx)
	if err != nil {
		zap.L().Fatal("Reservation recovery failed", zap.Error(err))
	}
	zap.L().Info("Reservation recovery complete",
		zap.Int("released", recovered.Released),
		zap.Int("skipped", recovered.Skipped),
		zap.Int("failed", recovered.Failed))

	wallets, err := services.Ledger.ReconcileAll(ctx)
	if err != nil {
		zap.L().Fatal("Ledger reconciliation failed", zap.Int("wallets", wallets), zap.Error(err))
	}
	zap.L().Info("Ledger reconciled against journal", zap.Int("wallets", wallets))

	symbols := resolveAssets(cfg)
	zap.L().Info("Ledger ready", zap.Strings("assets", symbols))

	if *pricesFlag {
		if failed := checkPrices(ctx, services, symbols); failed > 0 {
			zap.L().Warn("Some prices are unavailable", zap.Int("failed", failed))
		}
	}

	fmt.Println("Setup complete")
}
