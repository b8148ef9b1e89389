package state

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"fwbids/catalog"
	"fwbids/curate"
	"fwbids/platform"
	"fwbids/validate"
)

func newLocalEnv() *LocalEnv {
	return &LocalEnv{start: time.Now()}
}

// Platform opens configured container store, the same store is returned on
// subsequent calls.
func (e *LocalEnv) Platform() (*platform.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	s, err := platform.Open(e.Cfg.Platform.Database)
	if err != nil {
		return nil, fmt.Errorf("unable to open platform store: %w", err)
	}
	e.log().Debug("Platform store opened", zap.String("database", e.Cfg.Platform.Database))
	e.store = s
	return s, nil
}

// CurationOptions loads template catalog (configured one or embedded
// default) and prepares validator for it.
func (e *LocalEnv) CurationOptions() (curate.Options, error) {
	if e.catalog == nil {
		var (
			cat *catalog.Catalog
			err error
		)
		if path := e.Cfg.Curation.TemplatesPath; len(path) > 0 {
			cat, err = catalog.Load(path)
			e.log().Debug("Using template catalog", zap.String("path", path))
		} else {
			cat, err = catalog.Default()
		}
		if err != nil {
			return curate.Options{}, fmt.Errorf("unable to load template catalog: %w", err)
		}
		v, err := validate.New(cat)
		if err != nil {
			return curate.Options{}, fmt.Errorf("unable to prepare validator: %w", err)
		}
		e.catalog, e.validator = cat, v
	}
	return curate.Options{
		Catalog:   e.catalog,
		Validator: e.validator,
		Reset:     e.Cfg.Curation.Reset,
	}, nil
}

// Close releases resources opened on demand.
func (e *LocalEnv) Close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

func (e *LocalEnv) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}
