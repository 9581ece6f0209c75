package main

import (
	"context"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/config"
	"apotekpos/backend/internal/httpapi"
	"apotekpos/backend/internal/service"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/store/memory"
	pgstore "apotekpos/backend/internal/store/postgres"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := validateSecurityConfig(cfg); err != nil {
			return errors.Wrap(err, "invalid security configuration")
		}
		return run(ctx, lg, m, cfg)
	})
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	taxRate, err := cfg.TaxRate()
	if err != nil {
		return err
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, lg)
		if err != nil {
			// No silent fallback: an in-memory register would lose sales on restart.
			return errors.Wrap(err, "connect postgres")
		}
		defer pg.Close()
		repo = pg
		lg.Info("Repository ready", zap.String("kind", "postgres"))
	} else {
		repo = memory.NewSeeded(lg)
		lg.Info("Repository ready", zap.String("kind", "memory"))
	}

	opts := service.Options{
		TaxRate:         taxRate,
		Location:        loc,
		PaymentMethods:  cfg.Sales.PaymentMethods,
		CashMethods:     cfg.Sales.CashMethods,
		CatalogCacheTTL: cfg.Sales.CatalogCacheTTL,
		ProductCache:    cache.NoopProductCache{},
		Meter:           m.MeterProvider().Meter("apotek"),
		Logger:          lg,
	}
	if cfg.Redis.Addr != "" {
		rc := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := rc.Ping(ctx); err != nil {
			lg.Warn("Redis unavailable, product cache disabled", zap.Error(err))
		} else {
			defer func() { _ = rc.Close() }()
			opts.ProductCache = rc
			lg.Info("Redis ready", zap.String("addr", cfg.Redis.Addr))
		}
	}

	svc, err := service.New(repo, opts)
	if err != nil {
		return errors.Wrap(err, "create service")
	}
	if err := svc.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover reservations")
	}

	auth := httpapi.NewAuthManager(ctx, cfg.Auth.Secret, cfg.Auth.AccessTokenTTL, cfg.Auth.ManagerPIN, repo, lg)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, lg)

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: otelhttp.NewHandler(api.Handler(), "apotek-api",
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr), zap.String("timezone", loc.String()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func validateSecurityConfig(cfg *config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return errors.New("APOTEK_AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return errors.New("APOTEK_AUTH_MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return errors.Wrap(err, "APOTEK_AUTH_MANAGER_PIN is too weak")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
	}
	if known[pin] {
		return errors.Errorf("common PIN %s not allowed", pin)
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential PIN not allowed")
	}
	return nil
}
