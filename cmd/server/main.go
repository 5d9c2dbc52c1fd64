package main

import (
	"context"
	"log"
	"os"

	"github.com/openclinic/chartsync/internal/buildinfo"
	"github.com/openclinic/chartsync/internal/server"
	"github.com/openclinic/chartsync/internal/server/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := server.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
