package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renzhidao/m2/internal/api/rest"
	"github.com/renzhidao/m2/internal/config"
	"github.com/renzhidao/m2/internal/node"
	"github.com/renzhidao/m2/internal/presence"
)

var (
	cfgFile    string
	role       string
	brokerAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "m2",
		Short: "m2: self-healing P2P chat overlay node",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start an overlay node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	startCmd.Flags().StringVar(&role, "role", "", "Node role: 'normal' | 'hub:<slot>' (start in a hub slot)")

	brokerCmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a standalone presence broker",
		RunE:  runBroker,
	}
	brokerCmd.Flags().StringVar(&brokerAddr, "addr", ":8084", "Listen address")

	rootCmd.AddCommand(startCmd, brokerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if role != "" {
		idx, err := node.ParseRole(role, cfg.Hubs.Count)
		if err != nil {
			return err
		}
		cfg.Node.HubIndex = idx
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	asm, err := node.Build(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer asm.Close()

	logger.Info("Starting m2 node",
		zap.String("id", cfg.Node.ID),
		zap.String("name", cfg.Node.Name),
		zap.Int("hubIndex", cfg.Node.HubIndex))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return asm.Controller.Run(ctx, asm.Loop)
	})
	g.Go(func() error {
		return rest.New(asm.Controller, reg, logger.Named("rest")).Start(ctx, cfg.API.Addr)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	b := presence.NewBroker(logger.Named("broker"))
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: brokerAddr, Handler: b, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("Presence broker listening", zap.String("addr", brokerAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
