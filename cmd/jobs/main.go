package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/config"
	"github.com/kamvdi/vdi-control-plane/internal/idle"
	"github.com/kamvdi/vdi-control-plane/internal/jobs"
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

	rec := reconcile.New(st, prov, reconcile.Config{
		CheckTimeout:        cfg.StateCheckTimeout,
		ProvisioningTimeout: cfg.ProvisioningTimeout,
		PollInterval:        cfg.StartPollInterval,
	})
	// The sweeper only ends sessions and suspends VMs; the MFA gate never
	// fires on this path, so a static verifier is enough.
	brk := broker.New(st, prov, rec, issuer, &auth.StaticVerifier{}, broker.Config{
		StartTimeout: cfg.StartTimeout,
	})
	sweeper := idle.NewSweeper(st, brk, prov)

	jobs.NewRunner(rec, sweeper, jobs.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		SweepInterval:     cfg.SweepInterval,
	}).Start(ctx)

	log.Printf("vdi-jobs worker started provider=%s reconcile_every=%s sweep_every=%s", cfg.Provider, cfg.ReconcileInterval, cfg.SweepInterval)
	<-ctx.Done()
	log.Printf("vdi-jobs worker stopping")
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
