package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/docstream/docstream/internal/config"
	"github.com/docstream/docstream/internal/database"
	"github.com/docstream/docstream/internal/migrate"
	"github.com/docstream/docstream/internal/store"
	"github.com/docstream/docstream/pkg/logger"
)

// units returns this deployment's migration units. Register new units here;
// the coordinator applies them in sorted-name order.
func units() []migrate.Migration {
	return nil
}

func main() {
	list := flag.Bool("list", false, "list migrations and their applied state")
	up := flag.Bool("up", false, "apply pending migrations (optionally a single name)")
	down := flag.String("down", "", "roll back the named migration")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)

	ctx := context.Background()
	client, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(ctx)

	st := store.NewMongo(client.Database(cfg.MongoDB.Database))
	coord := migrate.NewCoordinator(st, units())

	switch {
	case *list:
		statuses, err := coord.List(ctx)
		if err != nil {
			logger.Fatalf("list: %v", err)
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-40s %s\n", s.Name, state)
		}
	case *up:
		name := flag.Arg(0)
		if err := coord.Up(ctx, name); err != nil {
			if errors.Is(err, migrate.ErrMutexLocked) {
				logger.Fatalf("another process is applying migrations; if it crashed, delete the %q record from the %q collection", migrate.MutexName, migrate.CollectionName)
			}
			logger.Fatalf("up: %v", err)
		}
		logger.Infof("migrations applied")
	case *down != "":
		if err := coord.Down(ctx, *down); err != nil {
			if errors.Is(err, migrate.ErrMutexLocked) {
				logger.Fatalf("another process is applying migrations; if it crashed, delete the %q record from the %q collection", migrate.MutexName, migrate.CollectionName)
			}
			logger.Fatalf("down: %v", err)
		}
		logger.Infof("rolled back %s", *down)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
