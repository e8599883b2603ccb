package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/docstream/docstream/internal/store"
	"github.com/docstream/docstream/pkg/logger"
	"github.com/docstream/docstream/pkg/metrics"
)

// The mutex record shares the migrations collection under a sentinel name.
// Its presence means some process is applying migrations right now. There
// is no TTL or heartbeat: a crashed holder keeps the lock until an operator
// clears the record by hand.
const (
	CollectionName = "migrations"
	MutexName      = "migrations_running_mutex"
)

var (
	// ErrMutexLocked means another process holds the migration mutex.
	ErrMutexLocked = errors.New("mutex locked")
	// ErrMutexNotHeld is a release without a matching acquire.
	ErrMutexNotHeld = errors.New("mutex was not found")
	// ErrNoPending means Up found nothing to apply.
	ErrNoPending = errors.New("no pending migrations found")
	// ErrUnknownMigration means the named unit was never registered.
	ErrUnknownMigration = errors.New("could not find the migration")
	// ErrNotApplied means Down was asked to roll back a pending unit.
	ErrNotApplied = errors.New("this migration was never applied")
	// ErrNoRollback means the unit declares no down action.
	ErrNoRollback = errors.New("this migration does not have a rollback")
)

// Migration is one named unit of schema/data evolution. Up is required,
// Down is optional.
type Migration struct {
	Name string
	Up   func(ctx context.Context) error
	Down func(ctx context.Context) error
}

// Status joins a registered unit with whether its record exists.
type Status struct {
	Migration
	Applied bool
}

// Coordinator applies registered migration units exactly once each, with
// cross-process mutual exclusion through the backing store itself.
type Coordinator struct {
	col      store.Collection
	units    []Migration
	hostname string
	now      func() time.Time
}

// NewCoordinator binds the registered units, in sorted-name discovery
// order, to the store's migrations collection.
func NewCoordinator(st store.Store, units []Migration) *Coordinator {
	sorted := append([]Migration(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	host, _ := os.Hostname()
	return &Coordinator{
		col:      st.Collection(CollectionName),
		units:    sorted,
		hostname: host,
		now:      time.Now,
	}
}

// List returns every registered unit joined with its applied state.
func (c *Coordinator) List(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(c.units))
	for _, unit := range c.units {
		_, err := c.col.Get(ctx, unit.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		out = append(out, Status{Migration: unit, Applied: err == nil})
	}
	return out, nil
}

// AcquireMutex claims the migration lock in one atomic store operation:
// inserting the sentinel record succeeds for exactly one process because
// the record id is unique. Everyone else gets ErrMutexLocked.
func (c *Coordinator) AcquireMutex(ctx context.Context) error {
	record := store.Document{
		"id":        MutexName,
		"name":      MutexName,
		"hostname":  c.hostname,
		"appliedAt": c.now().UTC(),
	}
	if _, err := c.col.Insert(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return ErrMutexLocked
		}
		return fmt.Errorf("acquire mutex: %w", err)
	}
	return nil
}

// ReleaseMutex deletes the sentinel record. Releasing an unheld mutex is a
// caller error.
func (c *Coordinator) ReleaseMutex(ctx context.Context) error {
	if _, err := c.col.Delete(ctx, MutexName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMutexNotHeld
		}
		return fmt.Errorf("release mutex: %w", err)
	}
	return nil
}

// Up applies every pending unit in discovery order, or just the named one.
// A record is written immediately after each unit succeeds, so a crash
// mid-run leaves exactly the completed units marked applied. On any
// failure after acquisition the mutex stays held: a different process must
// not retry onto partially-initialized state, an operator has to step in.
func (c *Coordinator) Up(ctx context.Context, name string) error {
	if err := c.AcquireMutex(ctx); err != nil {
		return err
	}

	statuses, err := c.List(ctx)
	if err != nil {
		return err
	}
	pending := make([]Migration, 0, len(statuses))
	for _, s := range statuses {
		if !s.Applied && (name == "" || s.Name == name) {
			pending = append(pending, s.Migration)
		}
	}
	if len(pending) == 0 {
		return ErrNoPending
	}

	for _, unit := range pending {
		logger.Infof("migrating %s", unit.Name)
		if err := unit.Up(ctx); err != nil {
			return fmt.Errorf("migration %s: %w", unit.Name, err)
		}
		record := store.Document{
			"id":        unit.Name,
			"name":      unit.Name,
			"appliedAt": c.now().UTC(),
		}
		if _, err := c.col.Insert(ctx, record); err != nil {
			return fmt.Errorf("migration %s: record: %w", unit.Name, err)
		}
		metrics.MigrationsApplied.Inc()
	}

	return c.ReleaseMutex(ctx)
}

// Down rolls back one applied unit and deletes its record. Unlike Up, the
// mutex is always released, even when the rollback fails.
func (c *Coordinator) Down(ctx context.Context, name string) error {
	if err := c.AcquireMutex(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.ReleaseMutex(ctx); err != nil {
			logger.Errorf("rollback %s: release mutex: %v", name, err)
		}
	}()

	var unit *Migration
	for i := range c.units {
		if c.units[i].Name == name {
			unit = &c.units[i]
			break
		}
	}
	if unit == nil {
		return ErrUnknownMigration
	}
	if _, err := c.col.Get(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotApplied
		}
		return fmt.Errorf("migrations: %w", err)
	}
	if unit.Down == nil {
		return ErrNoRollback
	}

	logger.Infof("rolling back %s", name)
	if err := unit.Down(ctx); err != nil {
		return fmt.Errorf("rollback %s: %w", name, err)
	}
	if _, err := c.col.Delete(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("rollback %s: record: %w", name, err)
	}
	metrics.MigrationsRolledBack.Inc()
	return nil
}
