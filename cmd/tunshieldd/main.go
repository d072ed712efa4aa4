package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tunshield/internal"
)

func main() {
	configPath := flag.String("config", "/etc/tunshield/tunshield.yaml", "config file path")
	device := flag.String("device", "", "tun device name (overrides config)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if *device != "" {
		cfg.Tun.Device = *device
	}

	controller := internal.NewController(nil, cfg.Fwmark, log)

	if err := controller.StartVPN(cfg.Tun); err != nil {
		log.Fatal("start vpn", zap.Error(err))
	}
	cfg.Policy.ApplyTo(controller.Policy())
	log.Info("tunshieldd running", zap.String("device", cfg.Tun.Device))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := controller.StopVPN(); err != nil {
		log.Error("stop vpn", zap.Error(err))
	}
}
