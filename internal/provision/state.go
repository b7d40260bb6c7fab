package provision

import (
	"fmt"
	"time"

	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/schemasync"
)

// State is a step of a provisioning run. Runs only move forward; a failed
// run is restarted from StateNotStarted.
type State int

const (
	StateNotStarted State = iota
	StateDatabaseCreated
	StateConnectedToTarget
	StateSchemaSynced
	StateDataMigrated
	StateControlPlaneUpdated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateDatabaseCreated:
		return "database_created"
	case StateConnectedToTarget:
		return "connected_to_target"
	case StateSchemaSynced:
		return "schema_synced"
	case StateDataMigrated:
		return "data_migrated"
	case StateControlPlaneUpdated:
		return "control_plane_updated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Flow selects which steps a run performs.
type Flow string

const (
	// FlowNewCity creates the schema only; a new city has no rows to copy.
	FlowNewCity Flow = "new"

	// FlowExistingData also copies the city's rows from the source. Enabling
	// a module on a live city uses this flow too.
	FlowExistingData Flow = "existing"
)

// FilterMode selects which source rows belong to the city.
type FilterMode string

const (
	// FilterCity copies rows whose tenant column equals the city ID.
	FilterCity FilterMode = "city"

	// FilterLegacy copies rows whose tenant column is NULL, left from before
	// the source was multi-tenant.
	FilterLegacy FilterMode = "legacy"

	// FilterNone copies every row.
	FilterNone FilterMode = "none"
)

// ParseFilterMode validates s. An empty string selects FilterCity.
func ParseFilterMode(s string) (FilterMode, error) {
	switch m := FilterMode(s); m {
	case "":
		return FilterCity, nil
	case FilterCity, FilterLegacy, FilterNone:
		return m, nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidInput, "unknown filter %q", s)
	}
}

// For returns the row filter of the mode on column for the given city.
func (m FilterMode) For(column, cityID string) *migrate.TenantFilter {
	switch m {
	case FilterLegacy:
		return migrate.ForLegacy(column)
	case FilterNone:
		return nil
	default:
		return migrate.ForTenant(column, cityID)
	}
}

// Request describes one provisioning run.
type Request struct {
	City    string     `json:"city"`
	Modules []string   `json:"modules,omitempty"` // empty means every module
	Flow    Flow       `json:"flow"`
	Filter  FilterMode `json:"filter,omitempty"`

	SkipIfNotEmpty       bool `json:"skip_if_not_empty"`
	TruncateBeforeInsert bool `json:"truncate_before_insert"`
	BatchSize            int  `json:"batch_size,omitempty"`
}

// ModuleResult is the outcome of one module within a run.
type ModuleResult struct {
	Module string             `json:"module"`
	Sync   *schemasync.Result `json:"sync"`
	Tables []*migrate.Result  `json:"tables,omitempty"`
}

// RowsMigrated sums the rows copied across the module's tables.
func (m *ModuleResult) RowsMigrated() int64 {
	var n int64
	for _, t := range m.Tables {
		n += t.RowsMigrated
	}
	return n
}

// Result is the outcome of a provisioning run. It is returned once the run
// ends and is not modified afterwards.
type Result struct {
	City            string          `json:"city"`
	Database        string          `json:"database"`
	Flow            Flow            `json:"flow"`
	DatabaseCreated bool            `json:"database_created"`
	FinalState      State           `json:"final_state"`
	FailedAt        *State          `json:"failed_at,omitempty"`
	Modules         []*ModuleResult `json:"modules"`
	StartedAt       time.Time       `json:"started_at"`
	Elapsed         time.Duration   `json:"elapsed"`
}

// Succeeded reports whether the run reached its terminal state.
func (r *Result) Succeeded() bool {
	return r.FinalState == StateControlPlaneUpdated
}
