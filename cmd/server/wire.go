package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/hris-approvals/api"
	"github.com/warp/hris-approvals/approval"
	memstore "github.com/warp/hris-approvals/approval/store"
	"github.com/warp/hris-approvals/config"
	"github.com/warp/hris-approvals/leave"
	"github.com/warp/hris-approvals/notify"
	"github.com/warp/hris-approvals/payroll"
	"github.com/warp/hris-approvals/store/postgres"
	"github.com/warp/hris-approvals/store/sqlite"
)

// =============================================================================
// STORAGE
// =============================================================================

// backend groups the store roles of one database.
type backend struct {
	approvals   approval.TxStore
	delegations approval.DelegationStore
	audit       approval.AuditLog
	stale       api.StaleSource
	payrolls    payroll.Store
	leaves      leave.Store
	health      api.Pinger   // nil for memory
	reset       api.Resetter // nil for memory
	close       func() error
}

// sqlStore is what the sqlite and postgres stores have in common.
type sqlStore interface {
	approval.TxStore
	approval.DelegationStore
	approval.AuditLog
	payroll.Store
	leave.Store
	api.Pinger
	api.Resetter
	Close() error
}

func fromSQL(s sqlStore) *backend {
	return &backend{
		approvals:   s,
		delegations: s,
		audit:       s,
		stale:       s,
		payrolls:    s,
		leaves:      s,
		health:      s,
		reset:       s,
		close:       s.Close,
	}
}

func openBackend(ctx context.Context, db config.DatabaseConfig) (*backend, error) {
	switch db.Driver {
	case config.DriverMemory:
		mem := memstore.NewTxMemory()
		return &backend{
			approvals:   mem,
			delegations: mem,
			audit:       mem,
			stale:       mem,
			payrolls:    payroll.NewMemoryStore(),
			leaves:      leave.NewMemoryStore(),
			close:       func() error { return nil },
		}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(db.Path)
		if err != nil {
			return nil, err
		}
		return fromSQL(s), nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		return fromSQL(s), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

// =============================================================================
// APPLICATION
// =============================================================================

type app struct {
	handler   *api.Handler
	reminders *api.ReminderScheduler
}

// buildApp wires the engine, services and HTTP handler.
func buildApp(cfg *config.Config, b *backend, dir *approval.StaticDirectory, pub notify.Publisher, log zerolog.Logger) *app {
	resolver := approval.NewDelegationResolver(b.delegations, cfg.DelegationCacheTTL)
	policies := approval.NewPolicyRegistry()
	for rt, p := range cfg.RolePolicies(dir) {
		policies.Register(rt, p)
	}
	callbacks := approval.NewCallbackRegistry()

	engine := &approval.Engine{
		Store:       b.approvals,
		Delegations: resolver,
		Policies:    policies,
		Callbacks:   callbacks,
		AuditLog:    b.audit,
		Publisher:   pub,
		Log:         log.With().Str("component", "engine").Logger(),
	}

	payrollSvc := &payroll.Service{
		Store:     b.payrolls,
		Engine:    engine,
		Roles:     dir,
		AuditLog:  b.audit,
		Publisher: pub,
		Log:       log.With().Str("component", "payroll").Logger(),
	}
	payrollSvc.Register(policies, callbacks)

	leaveSvc := &leave.Service{
		Store:         b.leaves,
		Engine:        engine,
		Roles:         dir,
		LongLeaveDays: cfg.Leave.LongLeaveDays,
		Log:           log.With().Str("component", "leave").Logger(),
	}
	leaveSvc.Register(policies, callbacks)

	h := &api.Handler{
		Engine: engine,
		Delegations: &approval.DelegationManager{
			Store:    b.delegations,
			Resolver: resolver,
			Audit:    b.audit,
			Log:      log.With().Str("component", "delegations").Logger(),
		},
		Payroll:  payrollSvc,
		Leave:    leaveSvc,
		AuditLog: b.audit,
		Health:   b.health,
		Log:      log.With().Str("component", "api").Logger(),
	}
	if cfg.Server.Scenarios {
		if b.reset == nil {
			log.Warn().Str("driver", cfg.Database.Driver).Msg("scenarios need a resettable store, not enabling")
		} else {
			h.Scenarios = b.reset
			h.Directory = dir
		}
	}

	rs := api.NewReminderScheduler(engine, b.stale, log)
	rs.Enabled = cfg.Reminders.Enabled
	rs.CheckInterval = cfg.Reminders.Interval
	rs.StaleAfter = cfg.Reminders.StaleAfter

	return &app{handler: h, reminders: rs}
}

// connectPublisher returns a NATS publisher when configured, else Noop.
// A failed dial is not fatal: approvals keep working without events.
func connectPublisher(nc config.NATSConfig, log zerolog.Logger) (notify.Publisher, func()) {
	if nc.URL == "" {
		return notify.Noop{}, func() {}
	}
	pub, err := notify.Connect(nc.URL, nc.Prefix, log.With().Str("component", "notify").Logger())
	if err != nil {
		log.Warn().Err(err).Str("url", nc.URL).Msg("NATS unavailable, events disabled")
		return notify.Noop{}, func() {}
	}
	log.Info().Str("url", nc.URL).Str("prefix", nc.Prefix).Msg("publishing events to NATS")
	return pub, pub.Close
}
