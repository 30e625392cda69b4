// Command ripcd runs the RIPC gateway daemon: it bridges a UI control
// plane to an in-process publish/subscribe runtime over a framed UDP
// protocol.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenzoki/ripcgw/internal/config"
	"github.com/tenzoki/ripcgw/internal/gateway"
)

func main() {
	var cfg *config.Config

	if len(os.Args) >= 2 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		log.Printf("Starting ripcd using config file: %s", os.Args[1])
	} else if _, err := os.Stat("config/ripcd.yaml"); err == nil {
		loaded, err := config.Load("config/ripcd.yaml")
		if err != nil {
			log.Fatalf("config/ripcd.yaml exists but failed to load: %v", err)
		}
		cfg = loaded
		log.Printf("Starting ripcd using config/ripcd.yaml")
	} else {
		cfg = defaultConfig()
		log.Printf("No config file specified and config/ripcd.yaml not found; using defaults")
	}

	if cfg.Debug {
		log.Printf("Debug enabled for app: %s", cfg.AppName)
	}

	app, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("Failed to construct gateway: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	log.Printf("ripcd started: mode=%s bind=%s peer=%s port=%d", cfg.Mode, cfg.Bind, cfg.Peer, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %s, shutting down...", sig)

	app.Stop()
	log.Printf("ripcd stopped")
}

func defaultConfig() *config.Config {
	return &config.Config{
		AppName: "ripcd",
		Debug:   true,
		Mode:    "server",
		Bind:    "0.0.0.0",
		Port:    25000,
		QosDir:  "qos",
		Queue: config.QueueConfig{
			MaxQueue:   8192,
			DrainStop:  true,
			MonitorSec: 10,
			ExecWarnUs: 2000,
		},
	}
}
