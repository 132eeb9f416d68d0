package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnrichmentStatus is the persisted tag of an enrichment state.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentSucceeded  EnrichmentStatus = "succeeded"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// EnrichmentState is a closed set of variants: Pending, Processing, Succeeded
// and Failed. Only Succeeded carries a payload and only Failed carries an
// error text.
type EnrichmentState interface {
	Status() EnrichmentStatus
	enrichmentState()
}

// Pending means the job was accepted but no worker has picked it up.
type Pending struct{}

// Processing means a fetch is in flight.
type Processing struct {
	StartedAt time.Time
}

// Succeeded holds the full payload returned by the detail source.
type Succeeded struct {
	Payload   json.RawMessage
	FetchedAt time.Time
}

// Failed holds the error text of the last attempt.
type Failed struct {
	Reason   string
	FailedAt time.Time
}

func (Pending) Status() EnrichmentStatus    { return EnrichmentPending }
func (Processing) Status() EnrichmentStatus { return EnrichmentProcessing }
func (Succeeded) Status() EnrichmentStatus  { return EnrichmentSucceeded }
func (Failed) Status() EnrichmentStatus     { return EnrichmentFailed }

func (Pending) enrichmentState()    {}
func (Processing) enrichmentState() {}
func (Succeeded) enrichmentState()  {}
func (Failed) enrichmentState()     {}

// KillmailEnrichment is the one-to-one enrichment record of a killmail.
type KillmailEnrichment struct {
	KillmailID int64
	State      EnrichmentState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payload returns the stored payload when the enrichment succeeded.
func (e KillmailEnrichment) Payload() (json.RawMessage, bool) {
	s, ok := e.State.(Succeeded)
	if !ok || len(s.Payload) == 0 {
		return nil, false
	}
	return s.Payload, true
}

// EnrichmentRow is the flat column shape of an enrichment record.
type EnrichmentRow struct {
	Status    EnrichmentStatus
	Payload   json.RawMessage
	Error     *string
	FetchedAt *time.Time
	UpdatedAt time.Time
}

// ToRow flattens a state into its columns. Exactly one of Payload and Error
// is set, and only for the terminal variants.
func ToRow(state EnrichmentState, now time.Time) EnrichmentRow {
	row := EnrichmentRow{Status: state.Status(), UpdatedAt: now}
	switch s := state.(type) {
	case Succeeded:
		row.Payload = s.Payload
		fetched := s.FetchedAt
		row.FetchedAt = &fetched
	case Failed:
		reason := s.Reason
		row.Error = &reason
	}
	return row
}

// FromRow rebuilds a state from its columns and rejects combinations the
// variants cannot represent.
func FromRow(row EnrichmentRow) (EnrichmentState, error) {
	switch row.Status {
	case EnrichmentPending:
		return Pending{}, nil
	case EnrichmentProcessing:
		return Processing{StartedAt: row.UpdatedAt}, nil
	case EnrichmentSucceeded:
		if len(row.Payload) == 0 {
			return nil, fmt.Errorf("succeeded enrichment without payload")
		}
		s := Succeeded{Payload: row.Payload}
		if row.FetchedAt != nil {
			s.FetchedAt = *row.FetchedAt
		}
		return s, nil
	case EnrichmentFailed:
		if row.Error == nil {
			return nil, fmt.Errorf("failed enrichment without error text")
		}
		return Failed{Reason: *row.Error, FailedAt: row.UpdatedAt}, nil
	default:
		return nil, fmt.Errorf("unknown enrichment status %q", row.Status)
	}
}
