// Package modules is the authoritative store of module state: the active
// flag, the validated config and the operator lock of every manifest module.
package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/audit"
	"github.com/ismaelgtc-ship-it/relay/internal/codec"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/modconfig"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// DefaultTimeout bounds every backing-store call.
const DefaultTimeout = 5 * time.Second

// Caller identifies who performs a mutation.
type Caller struct {
	Actor string
	// Override allows config writes against a locked module.
	Override bool
}

type configRecord struct {
	Active    bool           `cbor:"active"`
	Config    map[string]any `cbor:"config"`
	UpdatedAt time.Time      `cbor:"updated_at"`
	UpdatedBy string         `cbor:"updated_by"`
}

type lockRecord struct {
	Reason   string    `cbor:"reason"`
	LockedBy string    `cbor:"locked_by"`
	LockedAt time.Time `cbor:"locked_at"`
}

// Store reads and writes module state over an engine.Store.
type Store struct {
	// mu serializes mutations so a lock cannot land between PutConfig's
	// lock check and its write.
	mu      sync.Mutex
	records engine.Store
	audit   *audit.Log
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// New creates a Store. A zero timeout selects DefaultTimeout.
func New(records engine.Store, log *audit.Log, logger *slog.Logger, timeout time.Duration) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{records: records, audit: log, logger: logger, timeout: timeout, now: time.Now}
}

// Get returns the state of name, defaulted when nothing was written yet.
func (s *Store) Get(ctx context.Context, name string) (schema.ModuleState, error) {
	spec, ok := schema.LookupModule(name)
	if !ok {
		return schema.ModuleState{}, apperr.New(apperr.NotFound, "unknown module %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.load(ctx, spec)
}

// List returns every manifest module in alphabetical order.
func (s *Store) List(ctx context.Context) ([]schema.ModuleState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := make([]schema.ModuleState, 0, len(schema.Manifest))
	for _, name := range schema.ModuleNames() {
		spec, _ := schema.LookupModule(name)
		st, err := s.load(ctx, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// PutConfig applies a partial update. A provided config is validated and
// normalized first; a rejected config writes nothing. A locked module
// rejects the write unless the caller holds the override.
func (s *Store) PutConfig(ctx context.Context, name string, patch schema.ConfigPatch, by Caller) (schema.ModuleState, error) {
	spec, ok := schema.LookupModule(name)
	if !ok {
		return schema.ModuleState{}, apperr.New(apperr.NotFound, "unknown module %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var normalized map[string]any
	if patch.Config != nil {
		cfg, err := modconfig.Parse(name, patch.Config)
		if err != nil {
			var ve *modconfig.ValidationError
			if errors.As(err, &ve) {
				return schema.ModuleState{}, apperr.Wrap(apperr.ValidationFailed, err, "invalid %s config", name).WithDetail(ve)
			}
			return schema.ModuleState{}, apperr.Wrap(apperr.ValidationFailed, err, "invalid %s config", name)
		}
		normalized = cfg.Map()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !by.Override {
		lock, locked, err := s.loadLock(ctx, name)
		if err != nil {
			return schema.ModuleState{}, err
		}
		if locked {
			return schema.ModuleState{}, apperr.New(apperr.Locked, "module %q is locked", name).
				WithDetail(map[string]any{"module": name, "reason": lock.Reason})
		}
	}

	now := s.now().UTC()
	_, err := s.records.Update(ctx, engine.ModulesConfig, name, func(cur []byte, exists bool) ([]byte, error) {
		rec := configRecord{Active: true, Config: map[string]any{}}
		if exists {
			if err := codec.Unmarshal(cur, &rec); err != nil {
				return nil, fmt.Errorf("decode module config: %w", err)
			}
		}
		if patch.Active != nil {
			rec.Active = *patch.Active
		}
		if normalized != nil {
			rec.Config = normalized
		}
		rec.UpdatedAt = now
		rec.UpdatedBy = by.Actor
		return codec.Marshal(rec)
	})
	if err != nil {
		return schema.ModuleState{}, apperr.FromStore(err, "module store")
	}

	meta := map[string]any{"configChanged": normalized != nil}
	if patch.Active != nil {
		meta["active"] = *patch.Active
	}
	if by.Override {
		meta["override"] = true
	}
	s.audit.Append(by.Actor, schema.ActionSetConfig, name, meta)

	return s.load(ctx, spec)
}

// SetLock places or lifts the operator hold. Unlocking deletes the lock
// record so the module reverts to unlocked with no reason. Config and the
// active flag are untouched either way.
func (s *Store) SetLock(ctx context.Context, name string, req schema.LockRequest, by Caller) (schema.ModuleState, error) {
	spec, ok := schema.LookupModule(name)
	if !ok {
		return schema.ModuleState{}, apperr.New(apperr.NotFound, "unknown module %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	action := schema.ActionUnlock
	meta := map[string]any{}
	if req.Locked {
		action = schema.ActionLock
		rec := lockRecord{Reason: req.Reason, LockedBy: by.Actor, LockedAt: s.now().UTC()}
		data, err := codec.Marshal(rec)
		if err != nil {
			return schema.ModuleState{}, apperr.Wrap(apperr.Internal, err, "encode lock")
		}
		if err := s.records.Put(ctx, engine.ModuleLocks, name, data); err != nil {
			return schema.ModuleState{}, apperr.FromStore(err, "module store")
		}
		if req.Reason != "" {
			meta["reason"] = req.Reason
		}
	} else {
		if err := s.records.Delete(ctx, engine.ModuleLocks, name); err != nil {
			return schema.ModuleState{}, apperr.FromStore(err, "module store")
		}
	}
	s.audit.Append(by.Actor, action, name, meta)

	return s.load(ctx, spec)
}

func (s *Store) load(ctx context.Context, spec schema.ModuleSpec) (schema.ModuleState, error) {
	st := schema.ModuleState{
		Name:        spec.Name,
		Owner:       spec.Owner,
		Description: spec.Description,
		Active:      true,
		Config:      map[string]any{},
	}

	data, err := s.records.Get(ctx, engine.ModulesConfig, spec.Name)
	switch {
	case err == nil:
		var rec configRecord
		if err := codec.Unmarshal(data, &rec); err != nil {
			return schema.ModuleState{}, apperr.Wrap(apperr.Internal, err, "decode config of %s", spec.Name)
		}
		st.Active = rec.Active
		if rec.Config != nil {
			st.Config = rec.Config
		}
	case errors.Is(err, engine.ErrNotFound):
	default:
		return schema.ModuleState{}, apperr.FromStore(err, "module store")
	}

	lock, locked, err := s.loadLock(ctx, spec.Name)
	if err != nil {
		return schema.ModuleState{}, err
	}
	if locked {
		st.Locked = true
		st.LockReason = lock.Reason
		st.LockedBy = lock.LockedBy
		at := lock.LockedAt
		st.LockedAt = &at
	}
	return st, nil
}

func (s *Store) loadLock(ctx context.Context, name string) (lockRecord, bool, error) {
	data, err := s.records.Get(ctx, engine.ModuleLocks, name)
	if errors.Is(err, engine.ErrNotFound) {
		return lockRecord{}, false, nil
	}
	if err != nil {
		return lockRecord{}, false, apperr.FromStore(err, "module store")
	}
	var rec lockRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return lockRecord{}, false, apperr.Wrap(apperr.Internal, err, "decode lock of %s", name)
	}
	return rec, true, nil
}
