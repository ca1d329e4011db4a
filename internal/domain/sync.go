package domain

import (
	"fmt"
	"maps"
	"time"
)

type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhaseInitializing       Phase = "INITIALIZING"
	PhaseUploadingChanges   Phase = "UPLOADING_CHANGES"
	PhaseDownloadingUpdates Phase = "DOWNLOADING_UPDATES"
	PhaseResolvingConflicts Phase = "RESOLVING_CONFLICTS"
	PhaseFinalizing         Phase = "FINALIZING"
	PhaseSucceeded          Phase = "SUCCEEDED"
	PhaseFailed             Phase = "FAILED"
	PhaseAborted            Phase = "ABORTED"
)

// Terminal reports whether no further transition can follow p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseAborted
}

type ConflictStrategy string

const (
	LastWriteWins ConflictStrategy = "LAST_WRITE_WINS"
	LocalWins     ConflictStrategy = "LOCAL_WINS"
	RemoteWins    ConflictStrategy = "REMOTE_WINS"
	Manual        ConflictStrategy = "MANUAL"
)

func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch st := ConflictStrategy(s); st {
	case LastWriteWins, LocalWins, RemoteWins, Manual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

const DefaultBatchSize = 50

// SyncConfiguration is read by the engine at the start of every phase.
type SyncConfiguration struct {
	BatchSize         int
	Strategy          ConflictStrategy
	Overrides         map[string]ConflictStrategy
	ProbeConnectivity bool
	EagerContent      bool
}

func DefaultSyncConfiguration() SyncConfiguration {
	return SyncConfiguration{
		BatchSize:         DefaultBatchSize,
		Strategy:          LastWriteWins,
		ProbeConnectivity: true,
	}
}

// StrategyFor returns the per-record override for id, or the pass-level strategy.
func (c SyncConfiguration) StrategyFor(id string) ConflictStrategy {
	if s, ok := c.Overrides[id]; ok {
		return s
	}
	return c.Strategy
}

func (c SyncConfiguration) Clone() SyncConfiguration {
	c.Overrides = maps.Clone(c.Overrides)
	return c
}

// ConfigurationUpdate is a partial SyncConfiguration. Overrides are merged,
// an empty strategy value removes the override for that id.
type ConfigurationUpdate struct {
	BatchSize         *int
	Strategy          *ConflictStrategy
	Overrides         map[string]ConflictStrategy
	ProbeConnectivity *bool
	EagerContent      *bool
}

// Merge validates u and applies it to a copy of c.
func (c SyncConfiguration) Merge(u ConfigurationUpdate) (SyncConfiguration, error) {
	out := c.Clone()
	if u.BatchSize != nil {
		if *u.BatchSize <= 0 {
			return c, fmt.Errorf("batch size must be positive, got %d", *u.BatchSize)
		}
		out.BatchSize = *u.BatchSize
	}
	if u.Strategy != nil {
		if _, err := ParseConflictStrategy(string(*u.Strategy)); err != nil {
			return c, err
		}
		out.Strategy = *u.Strategy
	}
	for id, s := range u.Overrides {
		if s == "" {
			delete(out.Overrides, id)
			continue
		}
		if _, err := ParseConflictStrategy(string(s)); err != nil {
			return c, fmt.Errorf("override for %s: %w", id, err)
		}
		if out.Overrides == nil {
			out.Overrides = make(map[string]ConflictStrategy)
		}
		out.Overrides[id] = s
	}
	if u.ProbeConnectivity != nil {
		out.ProbeConnectivity = *u.ProbeConnectivity
	}
	if u.EagerContent != nil {
		out.EagerContent = *u.EagerContent
	}
	return out, nil
}

// ConflictCase lives only for the duration of a sync session.
type ConflictCase struct {
	ArticleID  string           `json:"articleId"`
	Local      Article          `json:"local"`
	Remote     Article          `json:"remote"`
	Resolution ConflictStrategy `json:"resolution,omitempty"`
}

// Operation names used in SyncError entries.
const (
	OpConnectivity = "connectivity"
	OpCreate       = "create"
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpPersist      = "persist"
	OpFetchContent = "fetch_content"
	OpResolve      = "resolve"
)

type SyncError struct {
	Operation string `json:"operation"`
	ArticleID string `json:"articleId,omitempty"`
	Err       error  `json:"-"`
	Message   string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func NewSyncError(op, articleID string, err error) SyncError {
	return SyncError{
		Operation: op,
		ArticleID: articleID,
		Err:       err,
		Message:   err.Error(),
		Retryable: IsRetryable(err),
	}
}

func (e SyncError) Error() string {
	if e.ArticleID == "" {
		return fmt.Sprintf("%s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Operation, e.ArticleID, e.Message)
}

func (e SyncError) Unwrap() error {
	return e.Err
}

type SyncResult struct {
	SyncedCount   int            `json:"syncedCount"`
	ConflictCount int            `json:"conflictCount"`
	ErrorCount    int            `json:"errorCount"`
	Phase         Phase          `json:"phase"`
	Errors        []SyncError    `json:"errors,omitempty"`
	Unresolved    []ConflictCase `json:"unresolved,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
}

func (r *SyncResult) AddError(e SyncError) {
	r.Errors = append(r.Errors, e)
	r.ErrorCount = len(r.Errors)
}

// Progress is emitted to observers; the engine never reads it back.
type Progress struct {
	Phase       Phase  `json:"phase"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	CurrentItem string `json:"currentItem,omitempty"`
}
