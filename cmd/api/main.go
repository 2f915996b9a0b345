package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kamvdi/vdi-control-plane/internal/api"
	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/config"
	"github.com/kamvdi/vdi-control-plane/internal/heartbeat"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/reconcile"
	"github.com/kamvdi/vdi-control-plane/internal/store"
	"github.com/kamvdi/vdi-control-plane/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)

	prov, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}
	issuer, err := buildIssuer(cfg)
	if err != nil {
		log.Fatalf("init transport: %v", err)
	}
	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("init mfa: %v", err)
	}

	var revoker api.TokenRevoker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		revoker = auth.NewRedisBlacklist(rdb)
	}

	rec := reconcile.New(st, prov, reconcile.Config{
		CheckTimeout:        cfg.StateCheckTimeout,
		ProvisioningTimeout: cfg.ProvisioningTimeout,
		PollInterval:        cfg.StartPollInterval,
	})
	brk := broker.New(st, prov, rec, issuer, verifier, broker.Config{
		StartTimeout: cfg.StartTimeout,
	})

	handler := api.NewRouter(cfg, api.Deps{
		Store:      st,
		Broker:     brk,
		Heartbeats: heartbeat.NewMonitor(st),
		Refresher:  rec,
		Provider:   prov,
		MFA:        verifier,
		Revoker:    revoker,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Connect blocks while a cold VM boots.
		WriteTimeout: cfg.StartTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("vdi-control-plane listening on %s provider=%s transport=%s", cfg.ListenAddr, cfg.Provider, cfg.Transport)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func buildProvider(ctx context.Context, cfg config.Config) (provider.Client, error) {
	if cfg.Provider == "ec2" {
		return provider.NewEC2Client(ctx, provider.EC2Options{
			Region:        cfg.AWSRegion,
			InstanceType:  cfg.AWSInstanceType,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityGroupIDs,
			CallTimeout:   cfg.ProviderCallTimeout,
			Retry: provider.RetryPolicy{
				MaxAttempts: cfg.ProviderRetryMax,
				BaseDelay:   cfg.ProviderRetryBase,
				MaxDelay:    cfg.ProviderRetryCap,
			},
		})
	}
	return provider.NewFakeClient(), nil
}

func buildIssuer(cfg config.Config) (transport.Issuer, error) {
	if cfg.Transport == "gateway" {
		return transport.NewGatewayClient(transport.GatewayOptions{
			BaseURL:     cfg.GatewayURL,
			SharedKey:   cfg.GatewaySharedKey,
			CallTimeout: cfg.GatewayCallTimeout,
		})
	}
	return transport.NewFakeIssuer(), nil
}

func buildVerifier(cfg config.Config) (auth.MFAVerifier, error) {
	if cfg.MFA == "http" {
		return auth.NewHTTPVerifier(cfg.MFABaseURL, cfg.MFAAPIKey, cfg.MFACallTimeout)
	}
	return &auth.StaticVerifier{}, nil
}
