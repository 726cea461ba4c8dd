package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/batchops/batchops/common/util"
	"github.com/batchops/batchops/common/version"
	"github.com/batchops/batchops/server/app"
)

func main() {
	fmt.Printf("BatchOps Server %s\n", version.String())
	fmt.Printf("Starting with args: %v\n", util.FilterOSArgs(os.Args, app.LogSafeFlags))

	config, err := app.ConfigFromFlags()
	if err != nil {
		log.Fatalf("Error parsing flags: %s", err)
	}

	server, cleanup, err := app.New(context.Background(), config)
	if err != nil {
		log.Fatalf("Error creating server: %s", err)
	}
	defer cleanup()

	err = server.Start(context.Background())
	if err != nil {
		log.Fatalf("Error starting server: %s", err)
	}

	// Wait for SIGINT or SIGTERM before shutting down
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	server.Shutdown()
	log.Print("Server shutdown complete")
}
