/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/stats"
	"key-trade-ledger-go/internal/sweeper"

	"go.uber.org/zap"
)

func main() {
	snapshotNow := flag.Bool("snapshot", false, "Write one platform stats snapshot and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer ledger.Close()

	snapshotter := stats.NewSnapshotter(ledger, 24*time.Hour)
	if *snapshotNow {
		if _, err := snapshotter.Snapshot(ctx); err != nil {
			zap.L().Fatal("Snapshot failed", zap.Error(err))
		}
		return
	}

	zap.L().Info("Starting ledger worker",
		zap.Duration("sweep_interval", cfg.Worker.SweepInterval),
		zap.Duration("reservation_grace", cfg.Trading.ReservationGrace),
		zap.String("stats_schedule", cfg.Worker.StatsSchedule))

	sw := sweeper.New(ledger, cfg.Worker.SweepInterval, cfg.Trading.ReservationGrace)
	if err := sw.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start reservation sweeper", zap.Error(err))
	}

	scheduler := stats.NewScheduler(snapshotter, cfg.Worker.StatsSchedule)
	if err := scheduler.Start(); err != nil {
		sw.Stop()
		zap.L().Fatal("Failed to start stats scheduler", zap.Error(err))
	}

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sw.Stop()
		}()
		go func() {
			defer wg.Done()
			<-scheduler.Stop().Done()
		}()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
