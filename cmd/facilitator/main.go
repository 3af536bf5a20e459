// Command facilitator runs the standalone payment verification and
// settlement service.
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
	"github.com/pixelvault/pixelvault/pkg/facilitator"
	"github.com/pixelvault/pixelvault/pkg/gate"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	app := &cli.App{
		Name:  "facilitator",
		Usage: "x402 payment verification and settlement service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"PIXELVAULT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen address (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"), c.String("listen"), log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("facilitator exited")
	}
}

func run(ctx context.Context, configPath, listen string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateFacilitator(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if listen == "" {
		listen = cfg.Server.Listen
	}

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	if cfg.Chain.ExecutorKey != "" {
		if _, err := chainClient.WithExecutor(cfg.Chain.ExecutorKey); err != nil {
			return err
		}
		log.Info("settlement: on-chain")
	} else {
		log.Warn("settlement: no executor key, settle responses carry the zero sentinel")
	}

	server := facilitator.New(chainClient, cfg.Chain.Network, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gate.RequestLogger(log), gin.Recovery())
	server.Routes(router)

	log.WithFields(logrus.Fields{
		"listen":  listen,
		"network": cfg.Chain.Network,
	}).Info("facilitator listening")
	return router.Run(listen)
}
