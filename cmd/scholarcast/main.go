package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/scholarcast-backend/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start()
	a.Log.Info("Engine running", "owner", a.Cfg.Owner)

	<-ctx.Done()
	a.Log.Info("Shutting down...")
	a.Close()
}
