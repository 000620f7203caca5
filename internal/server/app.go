package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"linkbridge/internal/auth"
	"linkbridge/internal/bridge"
	"linkbridge/internal/config"
	"linkbridge/internal/handler"
	"linkbridge/internal/hub"
	"linkbridge/internal/linking"
	"linkbridge/internal/middleware"
	"linkbridge/internal/protocol"
	"linkbridge/internal/protocol/demo"
	"linkbridge/internal/store"
)

const janitorInterval = 15 * time.Second

// DemoAccount approves tokens when DEMO_AUTO_APPROVE_AFTER is set.
var DemoAccount = protocol.Profile{
	ExternalID: 123456789,
	Username:   "demo_user",
	FirstName:  "Demo",
	LastName:   "User",
}

// App is the wired service.
type App struct {
	Handler http.Handler
	Linking *linking.Service
	Demo    *demo.Service

	limiter *middleware.RateLimiter
}

func NewApp(cfg config.Config, gdb *gorm.DB, log *zap.Logger) (*App, error) {
	var factory protocol.Factory
	var demoSvc *demo.Service
	switch cfg.Messaging.Driver {
	case "demo":
		opts := demo.Options{
			TokenTTL:   cfg.Linking.TokenTTL,
			SessionTTL: cfg.Linking.TokenTTL + cfg.Linking.SecondFactorTTL,
		}
		if cfg.Demo.AutoApproveAfter > 0 {
			opts.AutoApprove = &demo.Account{Profile: DemoAccount, Secret: cfg.Demo.Secret}
			opts.AutoApproveAfter = cfg.Demo.AutoApproveAfter
		}
		demoSvc = demo.NewService(opts)
		factory = demoSvc.Factory()
	default:
		return nil, fmt.Errorf("unsupported messaging driver %q", cfg.Messaging.Driver)
	}

	creds := protocol.Credentials{APIID: cfg.Messaging.APIID, APIHash: cfg.Messaging.APIHash}
	if !creds.Provisioned() {
		log.Warn("messaging API credentials are not configured, linking requests will fail")
	}
	br := bridge.New(bridge.Options{
		Credentials:   creds,
		Factory:       factory,
		MaxConcurrent: int64(cfg.Linking.MaxConcurrentOps),
		Logger:        log,
	})

	wsHub := hub.New()
	svc := linking.NewService(linking.Options{
		Store:  store.New(gdb),
		Bridge: br,
		Policy: linking.Policy{
			TokenTTL:          cfg.Linking.TokenTTL,
			ConnectTimeout:    cfg.Linking.ConnectTimeout,
			PollWait:          cfg.Linking.PollWait,
			SignInTimeout:     cfg.Linking.SignInTimeout,
			MaxSecretAttempts: cfg.Linking.MaxSecretAttempts,
			SecondFactorTTL:   cfg.Linking.SecondFactorTTL,
		},
		Notifier: handler.StatusNotifier{Hub: wsHub, Logger: log},
		Logger:   log,
	})

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry
	limiter := middleware.NewRateLimiter(cfg.Linking.StartRateLimit, cfg.Linking.StartRateWindow)

	router := NewRouter(Deps{
		Linking:      svc,
		Hub:          wsHub,
		TokenConfig:  tokenCfg,
		AllowedRoles: cfg.Linking.AllowedRoles,
		StartLimiter: limiter,
		Logger:       log,
	})

	return &App{Handler: router, Linking: svc, Demo: demoSvc, limiter: limiter}, nil
}

// RunBackground runs the attempt janitor until ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	a.Linking.RunJanitor(ctx, janitorInterval)
}

func (a *App) Close() {
	a.limiter.Close()
}
