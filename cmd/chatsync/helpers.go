package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/greenswap/chatsync"
)

// engineConfig loads the config file with environment overrides and
// validation applied.
func engineConfig() (chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return chatsync.Config{}, err
	}
	cfg, err := chatsync.LoadConfig(path)
	if err != nil {
		return chatsync.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Token == "" {
		return chatsync.Config{}, errors.New("no token. Run 'chatsync config set token <token>' first")
	}
	return cfg, nil
}

func newClient(cfg chatsync.Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Token,
		chatsync.WithBaseURL(cfg.BaseURL),
		chatsync.WithTimeout(cfg.Transport.RequestTimeout.Std()),
		chatsync.WithClientLogger(chatsync.NewLogger(cfg.Log, os.Stderr)),
	)
}

// startEngine builds an engine over the REST client and starts it. The
// caller closes it.
func startEngine(ctx context.Context) (*chatsync.Engine, error) {
	cfg, err := engineConfig()
	if err != nil {
		return nil, err
	}
	client := newClient(cfg)
	engine, err := chatsync.NewEngine(cfg, client, chatsync.WithProfiles(client))
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx, cfg.Token); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}
