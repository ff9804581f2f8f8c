package main

import (
	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/config"
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
)

// app holds the stores every command works against.
type app struct {
	cfg    config.Config
	vault  *vault.Vault
	tasks  *task.FileStore
	plans  *plan.FileStore
	audit  *audit.Log
	errors *escalation.FileStore
}

func newApp(cfg config.Config) (*app, error) {
	v, err := vault.New(cfg.Root)
	if err != nil {
		return nil, err
	}

	locker := lock.New(v.Dir(vault.Locks))
	locker.StaleAfter = cfg.Lock.StaleAfter
	locker.Retries = cfg.Lock.Retries
	locker.RetryDelay = cfg.Lock.RetryDelay

	return &app{
		cfg:    cfg,
		vault:  v,
		tasks:  task.NewFileStore(v, locker),
		plans:  plan.NewFileStore(v, locker),
		audit:  audit.New(v.Dir(vault.Logs)),
		errors: escalation.NewFileStore(v, locker),
	}, nil
}
