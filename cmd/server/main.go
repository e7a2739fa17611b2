package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/siteauth/internal/server"
	"github.com/dmitrijs2005/siteauth/internal/server/config"
)

func main() {

	ctx := context.Background()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("shutdown: %v", err)
		os.Exit(1)
	}
}
