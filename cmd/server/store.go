package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/soaringjerry/surveyengine/internal/config"
	dbstore "github.com/soaringjerry/surveyengine/internal/db"
	"github.com/soaringjerry/surveyengine/internal/memstore"
	"github.com/soaringjerry/surveyengine/internal/services"
	"github.com/soaringjerry/surveyengine/internal/surveydef"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore returns the configured store and a closer for it.
func openStore(ctx context.Context, cfg *config.Config) (services.Store, io.Closer, error) {
	if cfg.Store == config.StoreMemory {
		return memstore.New(), nopCloser{}, nil
	}
	st, err := dbstore.OpenStore(ctx, cfg.DBPath, cfg.BusyTimeout, cfg.MigrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return st, st, nil
}

// seedDefinitions stores every definition in dir whose survey is not yet
// known. Stored surveys are left alone; `surveyctl load` replaces them.
func seedDefinitions(ctx context.Context, store services.DefinitionStore, dir string, logger *slog.Logger) (int, error) {
	if dir == "" {
		return 0, nil
	}
	defs, err := surveydef.LoadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("definitions dir missing, nothing seeded", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("load definitions: %w", err)
	}
	seeded := 0
	for _, sv := range defs {
		existing, err := store.GetSurvey(ctx, sv.ID)
		if err != nil {
			return seeded, err
		}
		if existing != nil {
			continue
		}
		if err := store.SaveSurvey(ctx, sv); err != nil {
			return seeded, fmt.Errorf("save survey %d: %w", sv.ID, err)
		}
		logger.Info("seeded survey definition", "survey_id", sv.ID, "name", sv.Name)
		seeded++
	}
	return seeded, nil
}
