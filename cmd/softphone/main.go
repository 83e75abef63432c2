package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/softphone/internal/banner"
	"github.com/sebas/softphone/internal/health"
	"github.com/sebas/softphone/internal/logger"
	"github.com/sebas/softphone/internal/phone"
	"github.com/sebas/softphone/internal/sipua"
	"github.com/sebas/softphone/internal/ui/config"
	"github.com/sebas/softphone/internal/ui/server"
	"github.com/sebas/softphone/internal/ui/view"
)

func main() {
	cfg := config.Load()
	log := logger.Init(os.Stdout, logger.Options{Level: cfg.LogLevel, Dev: cfg.Dev})

	if err := run(cfg, log); err != nil {
		log.Error("[Main] Softphone failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	grpcAddr := "disabled"
	if cfg.GRPCPort > 0 {
		grpcAddr = cfg.GRPCAddr()
	}
	audioOut := cfg.AudioOut
	if audioOut == "" {
		audioOut = "(discarded)"
	}
	banner.Print(os.Stdout, "SOFTPHONE", []banner.ConfigLine{
		{Label: "HTTP Listen", Value: cfg.HTTPAddr()},
		{Label: "gRPC Health", Value: grpcAddr},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "User-Agent", Value: cfg.UserAgent},
		{Label: "Audio Out", Value: audioOut},
		{Label: "RTP Ports", Value: rtpPorts(cfg)},
		{Label: "SIP Server", Value: orNone(cfg.SipURL)},
		{Label: "SIP User", Value: orNone(cfg.SipUser)},
		{Label: "SIP Password", Value: cfg.MaskedPassword()},
		{Label: "Log Level", Value: cfg.LogLevel + " (dev " + strconv.FormatBool(cfg.Dev) + ")"},
	})

	// Opened before the controller so it outlives the last call on shutdown.
	var audio *os.File
	if cfg.AudioOut != "" {
		f, err := os.Create(cfg.AudioOut)
		if err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		defer f.Close()
		audio = f
	}

	factory := sipua.NewSessionFactory(sipua.Options{
		UserAgent:     cfg.UserAgent,
		AdvertiseAddr: cfg.AdvertiseAddr,
		RTPPortMin:    cfg.RTPPortMin,
		RTPPortMax:    cfg.RTPPortMax,
		NameServer:    cfg.NameServer,
		Logger:        log,
	})
	ctrl := phone.NewController(factory, log)
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Warn("[Main] Controller close failed", "error", err)
		}
	}()
	if audio != nil {
		ctrl.SetRemoteAudio(audio)
	}

	srv, err := server.NewServer(cfg.HTTPAddr(), ctrl, view.Form{
		Server:      cfg.SipURL,
		User:        cfg.SipUser,
		Password:    cfg.SipPassword,
		Destination: cfg.CallTo,
	}, log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.GRPCPort > 0 {
		reporter := health.NewReporter(log)
		states, cancel := ctrl.Subscribe()
		g.Go(func() error {
			defer cancel()
			reporter.Watch(gctx, states)
			return nil
		})
		g.Go(func() error {
			return reporter.Serve(gctx, cfg.GRPCAddr())
		})
	}

	log.Info("[Main] Softphone started", "http", cfg.HTTPAddr())
	err = g.Wait()
	log.Info("[Main] Shutting down")
	return err
}

func rtpPorts(cfg *config.Config) string {
	if cfg.RTPPortMin == 0 && cfg.RTPPortMax == 0 {
		return "ephemeral"
	}
	return fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
