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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"xrp-payment-monitor/internal/api"
	"xrp-payment-monitor/internal/common"
	"xrp-payment-monitor/internal/config"
	"xrp-payment-monitor/internal/listener"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting XRP payment monitor",
		zap.Strings("addresses", cfg.Addresses),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("settlement_currency", cfg.Rates.SettlementCurrency))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	candidates, err := services.NewListeners(cfg)
	if err != nil {
		zap.L().Fatal("Failed to create listeners", zap.Error(err))
	}

	// One listener per monitored address.
	listeners := make([]*listener.PaymentListener, 0, len(candidates))
	for _, l := range candidates {
		if err := l.Start(ctx); err != nil {
			zap.L().Error("Failed to start listener for address",
				zap.String("address", l.Address()),
				zap.Error(err))
			continue
		}
		listeners = append(listeners, l)
	}

	if len(listeners) == 0 {
		zap.L().Fatal("No listeners started successfully")
	}

	go services.Rates.Warm(ctx, []string{cfg.Rates.SettlementCurrency}, cfg.Rates.WarmInterval)

	sources := make([]api.StatusSource, 0, len(listeners))
	for _, l := range listeners {
		sources = append(sources, l)
	}
	svc := api.NewPaymentService(services.Store).
		WithListeners(sources...).
		WithBreakers(services.LedgerGuard.Breaker, services.RatesGuard.Breaker).
		WithDedup(services.Dedup)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zap.L().Info("Read API listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("Read API stopped", zap.Error(err))
		}
	}()

	zap.L().Info("All listeners running",
		zap.Int("active", len(listeners)),
		zap.Int("addresses", len(cfg.Addresses)))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping all listeners...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, l := range listeners {
			wg.Add(1)
			go func(l *listener.PaymentListener) {
				defer wg.Done()
				l.Stop()
			}(l)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("All listeners stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}

	// stop the rate warmer and any in-flight fetches
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Read API shutdown incomplete", zap.Error(err))
	}
}
