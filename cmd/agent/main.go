package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/openclinic/chartsync/internal/buildinfo"
	"github.com/openclinic/chartsync/internal/device/config"
	"github.com/openclinic/chartsync/internal/device/engine"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	eng, err := engine.Open(ctx, cfg, engine.Options{})
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("device %s syncing with %s", eng.DeviceID(), cfg.ServerURL)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigs

	if err := eng.Close(); err != nil {
		log.Printf("%v", err)
	}

}
