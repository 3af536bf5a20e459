// Command pixelvault runs the payment-gated image server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/pixelvault/pixelvault/pkg/chain"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/facilitatorclient"
	"github.com/pixelvault/pixelvault/pkg/gate"
	"github.com/pixelvault/pixelvault/pkg/ledger"
	"github.com/pixelvault/pixelvault/pkg/payments"
	"github.com/pixelvault/pixelvault/pkg/storage"
	"github.com/pixelvault/pixelvault/pkg/types"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	app := &cli.App{
		Name:  "pixelvault",
		Usage: "payment-gated image marketplace server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"PIXELVAULT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(logrus.DebugLevel)
			}
			return run(c.Context, c.String("config"), log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(ctx context.Context, configPath string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateGate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	var store ledger.Store
	if cfg.Database.DSN != "" {
		store, err = ledger.OpenMySQL(cfg.Database.DSN)
		if err != nil {
			return err
		}
		log.Info("ledger: mysql")
	} else {
		store = ledger.NewMemoryStore()
		log.Warn("ledger: in-memory, licenses will not survive a restart")
	}

	blobs, err := storage.NewFileStore(cfg.Storage.Root)
	if err != nil {
		return err
	}

	verifier, settler, err := buildPaymentStack(ctx, cfg, log)
	if err != nil {
		return err
	}

	builder := &payments.RequirementsBuilder{
		Network:      cfg.Chain.Network,
		PayTo:        cfg.Payment.PayTo,
		Asset:        cfg.Token.Asset,
		TokenName:    cfg.Token.Name,
		TokenVersion: cfg.Token.Version,
	}

	g := gate.New(store, blobs, verifier, settler, builder, masterKey, cfg.Server.BaseURL, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gate.RequestLogger(log), gin.Recovery())
	g.Routes(router)

	log.WithField("listen", cfg.Server.Listen).Info("pixelvault listening")
	return router.Run(cfg.Server.Listen)
}

// buildPaymentStack selects delegated or local verification and settlement.
func buildPaymentStack(ctx context.Context, cfg *config.Config, log *logrus.Logger) (payments.Verifier, payments.Settler, error) {
	if cfg.Facilitator.URL != "" {
		client := facilitatorclient.NewFacilitatorClient(&types.FacilitatorConfig{
			URL:     cfg.Facilitator.URL,
			Timeout: cfg.FacilitatorTimeout(),
		})
		log.WithField("facilitator", cfg.Facilitator.URL).Info("payments: delegated")
		return &payments.RemoteVerifier{Client: client}, &payments.RemoteSettler{Client: client}, nil
	}

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Chain.ExecutorKey != "" {
		if _, err := chainClient.WithExecutor(cfg.Chain.ExecutorKey); err != nil {
			return nil, nil, err
		}
		log.Info("payments: local with on-chain settlement")
	} else {
		log.Warn("payments: local without executor key, settlements record the zero sentinel")
	}
	return &payments.LocalVerifier{Chain: chainClient}, &payments.LocalSettler{Chain: chainClient}, nil
}
