package main

import (
	"context"
	"fmt"
	"os"

	"github.com/md-rashed-zaman/mentorflow/libs/db"
	"github.com/md-rashed-zaman/mentorflow/libs/runtime"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/storage"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
)

func main() {
	ctx, stop := runtime.SignalContext()
	defer stop()

	root := newRootCmd(openPostgres, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}

func openPostgres(ctx context.Context, databaseURL string) (store.Store, func(), error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, databaseURL, db.Options{MaxConns: 2, AppName: "transitionctl"})
	if err != nil {
		return nil, nil, err
	}
	return storage.NewDocumentStore(pool, runtime.NewLogger("transitionctl")), pool.Close, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
