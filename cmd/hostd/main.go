package main

// This file launches the pairing and session-control host. Most of the
// work happens in hostserver.NewServer; this file's job is configuration
// loading and listening for quit signals from the OS.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pairhost/hostd/internal/config"
	"github.com/pairhost/hostd/internal/hostserver"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Println("Invalid configuration:", err)
		os.Exit(1)
	}

	srv, err := hostserver.NewServer(cfg)
	if err != nil {
		fmt.Println("Unable to launch host server:", err)
		os.Exit(1)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		srv.Close()
		fmt.Println()
		os.Exit(0)
	}()

	select {}
}
