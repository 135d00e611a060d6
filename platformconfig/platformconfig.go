// Package platformconfig aggregates every configuration option spec §6
// enumerates for a primitive's SQL-backed store and its dispatcher, and
// validates the aggregate with go-playground/validator (Config.Validate)
// rather than hand-rolled field checks scattered across each package's
// Config.defaults(). No store or dispatcher constructor calls Validate;
// the caller does.
package platformconfig

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// UnknownCheckBehaviour names what is to happen when a checkFn returns an
// inconclusive result. sideeffect.Coordinator does not read this value:
// there, the checkFn's own retryLater result decides between
// RetryScheduled and a fresh attempt.
type UnknownCheckBehaviour string

const (
	// RetryLater leaves the record in-flight and asks the caller to
	// come back later.
	RetryLater UnknownCheckBehaviour = "RetryLater"
	// ExecuteAnyway proceeds to a fresh executeFn attempt despite the
	// inconclusive check.
	ExecuteAnyway UnknownCheckBehaviour = "ExecuteAnyway"
)

// StoreConfig is the shared connection and schema configuration every
// SQL-backed primitive store takes.
type StoreConfig struct {
	ConnectionString string `validate:"required"`
	SchemaName       string `validate:"required"`

	// TableNames overrides the default table name for any primitive;
	// unset entries fall back to internal/dbx.Schema's defaults.
	TableNames map[string]string
}

// DispatcherConfig is the shared polling/claim configuration every
// primitive's dispatcher takes.
type DispatcherConfig struct {
	BatchSize          int           `validate:"gt=0"`
	ClaimLeaseDuration time.Duration `validate:"gt=0"`
	PollInterval       time.Duration `validate:"gt=0"`
	Concurrency        int           `validate:"gt=0"`
}

// RetentionConfig configures background cleanup of terminal rows, used
// by whatever retention sweep a deployment wires up around a store
// (spec §6; the sweep job itself is out of scope as a standalone
// product, per NON-GOALS).
type RetentionConfig struct {
	RetentionWindow time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}

// ProviderConfig configures a provider.Dynamic's discovery refresh
// cadence.
type ProviderConfig struct {
	DiscoveryRefreshInterval time.Duration `validate:"gt=0"`
}

// SideEffectConfig configures the External-Side-Effect Coordinator's
// attempt-lock and re-check pacing.
type SideEffectConfig struct {
	AttemptLockDuration   time.Duration         `validate:"gt=0"`
	MinimumCheckInterval  time.Duration         `validate:"gt=0"`
	UnknownCheckBehaviour UnknownCheckBehaviour `validate:"required,oneof=RetryLater ExecuteAnyway"`
}

// LeaseConfig configures a System Lease's own claim duration, distinct
// from DispatcherConfig.ClaimLeaseDuration which bounds per-item claims.
type LeaseConfig struct {
	LeaseDuration time.Duration `validate:"gt=0"`
}

// Config is the full aggregate spec §6 describes for one primitive
// deployment: store connection, dispatcher pacing, retention,
// provider discovery, and (where applicable) lease/side-effect tuning.
type Config struct {
	Store      StoreConfig
	Dispatcher DispatcherConfig
	Retention  RetentionConfig
	Provider   ProviderConfig
	SideEffect SideEffectConfig
	Lease      LeaseConfig
}

var validate = validator.New()

// Validate runs struct-tag validation over the embedded sections of c in
// declaration order and returns the first failing section's error (a
// validator.ValidationErrors listing every bad field of that section);
// sections after it are not checked, so their failures are not reported.
// Sections whose fields are all zero value (e.g. a deployment with no
// SideEffect coordinator configured) are skipped rather than rejected,
// since not every primitive uses every section.
func (c *Config) Validate() error {
	if err := validateIfNonZero(c.Store); err != nil {
		return err
	}
	if err := validateIfNonZero(c.Dispatcher); err != nil {
		return err
	}
	if err := validateIfNonZero(c.Retention); err != nil {
		return err
	}
	if err := validateIfNonZero(c.Provider); err != nil {
		return err
	}
	if err := validateIfNonZero(c.SideEffect); err != nil {
		return err
	}
	if err := validateIfNonZero(c.Lease); err != nil {
		return err
	}
	return nil
}

func validateIfNonZero(section interface{}) error {
	if isZero(section) {
		return nil
	}
	return validate.Struct(section)
}

func isZero(section interface{}) bool {
	switch s := section.(type) {
	case StoreConfig:
		return s.ConnectionString == "" && s.SchemaName == "" && s.TableNames == nil
	case DispatcherConfig:
		return s == DispatcherConfig{}
	case RetentionConfig:
		return s == RetentionConfig{}
	case ProviderConfig:
		return s == ProviderConfig{}
	case SideEffectConfig:
		return s == SideEffectConfig{}
	case LeaseConfig:
		return s == LeaseConfig{}
	default:
		return false
	}
}
