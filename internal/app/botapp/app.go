package botapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/config"
	"github.com/ivankudzin/vpnshop/internal/gateway/yookassa"
	"github.com/ivankudzin/vpnshop/internal/infra/httpclient"
	tginfra "github.com/ivankudzin/vpnshop/internal/infra/telegram"
	"github.com/ivankudzin/vpnshop/internal/jobs/expiry"
	"github.com/ivankudzin/vpnshop/internal/metrics"
	"github.com/ivankudzin/vpnshop/internal/panel/hiddify"
	"github.com/ivankudzin/vpnshop/internal/panel/threexui"
	pgrepo "github.com/ivankudzin/vpnshop/internal/repo/postgres"
	redisrepo "github.com/ivankudzin/vpnshop/internal/repo/redis"
	"github.com/ivankudzin/vpnshop/internal/registry"
	"github.com/ivankudzin/vpnshop/internal/services/purchase"
)

type App struct {
	cfg    config.Config
	logger *zap.Logger

	bot      *tginfra.Bot
	postgres *pgxpool.Pool
	redis    *goredis.Client

	purchases *purchase.Service
	expiryJob *expiry.Job
	admin     *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	httpClient := httpclient.New(cfg.HTTPClient.Timeout)

	gatewayClient, err := yookassa.NewClient(yookassa.Config{
		ShopID:    cfg.Payment.ShopID,
		SecretKey: cfg.Payment.SecretKey,
		ReturnURL: cfg.Payment.ReturnURL,
		APIURL:    cfg.Payment.APIURL,
	}, httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("init payment gateway: %w", err)
	}

	panelClient, err := newPanelClient(cfg.Panel, httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("init vpn panel: %w", err)
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
	}

	credentials, err := app.initCredentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sessionRegistry := registry.New()

	purchases, err := purchase.NewService(purchase.Dependencies{
		Registry:    sessionRegistry,
		Gateway:     gatewayClient,
		Panel:       panelClient,
		Credentials: credentials,
		AmountMinor: cfg.Payment.PriceMinor,
		Currency:    cfg.Payment.Currency,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init purchase service: %w", err)
	}
	app.purchases = purchases

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)
	purchases.AttachMetrics(collector)

	expiryJob := expiry.New(sessionRegistry, cfg.Purchase.SessionTTL, cfg.Purchase.Retention, logger)
	expiryJob.AttachMetrics(collector)
	app.expiryJob = expiryJob

	if strings.TrimSpace(cfg.Bot.Token) != "" {
		bot, err := tginfra.NewBot(cfg.Bot.Token)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init telegram bot: %w", err)
		}
		app.bot = bot
		expiryJob.AttachNotifier(app)
	} else {
		logger.Warn("BOT_TOKEN is empty, telegram listener disabled")
	}

	app.admin = &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      newAdminRouter(promRegistry),
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
	}

	return app, nil
}

func newPanelClient(cfg config.PanelConfig, httpClient *http.Client, logger *zap.Logger) (purchase.Panel, error) {
	switch cfg.Provider {
	case "hiddify":
		return hiddify.NewClient(hiddify.Config{
			APIURL:         cfg.Hiddify.APIURL,
			AdminProxyPath: cfg.Hiddify.AdminProxyPath,
			UserProxyPath:  cfg.Hiddify.UserProxyPath,
			APIKey:         cfg.Hiddify.APIKey,
			TrafficGB:      cfg.Hiddify.TrafficGB,
			PeriodDays:     cfg.Hiddify.PeriodDays,
		}, httpClient, logger)
	case "3x-ui":
		return threexui.NewClient(threexui.Config{
			APIURL:    cfg.ThreeXUI.APIURL,
			LinkURL:   cfg.ThreeXUI.LinkURL,
			Username:  cfg.ThreeXUI.Username,
			Password:  cfg.ThreeXUI.Password,
			InboundID: cfg.ThreeXUI.InboundID,
		}, httpClient, logger)
	default:
		return nil, fmt.Errorf("unknown panel provider %q", cfg.Provider)
	}
}

func (a *App) initCredentialStore(ctx context.Context, cfg config.Config) (purchase.CredentialStore, error) {
	switch cfg.Credentials.Backend {
	case "redis":
		a.redis = redisrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return redisrepo.NewCredentialRepo(a.redis), nil
	case "postgres":
		pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres for bot app: %w", err)
		}
		a.postgres = pool
		repo := pgrepo.NewCredentialRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Credentials.Backend)
	}
}

func newAdminRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	return r
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("bot app started")

	errCh := make(chan error, 3)

	go func() {
		errCh <- a.runExpiryLoop(ctx)
	}()

	go func() {
		err := a.admin.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	if a.bot != nil {
		go func() {
			errCh <- a.bot.Listen(ctx, tginfra.Handlers{
				OnCommand:  a.handleCommand,
				OnText:     a.handleText,
				OnCallback: a.handleCallback,
			})
		}()
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.admin.Shutdown(shutdownCtx)
			a.logger.Info("bot app stopped")
			return nil
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}
	}
}

func (a *App) runExpiryLoop(ctx context.Context) error {
	if a.expiryJob == nil {
		return nil
	}

	interval := a.cfg.Purchase.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.expiryJob.Run(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *App) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
