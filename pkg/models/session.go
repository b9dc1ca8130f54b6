package models

import "time"

// Stage represents the current pipeline stage of a session
type Stage string

const (
	StageExtraction  Stage = "extraction"
	StageCleaning    Stage = "cleaning"
	StageTranslation Stage = "translation"
	StageSynthesis   Stage = "synthesis"
	StageDone        Stage = "done"
)

// Next returns the stage that follows s in the pipeline order.
// StageDone is terminal and returns itself.
func (s Stage) Next() Stage {
	switch s {
	case StageExtraction:
		return StageCleaning
	case StageCleaning:
		return StageTranslation
	case StageTranslation:
		return StageSynthesis
	case StageSynthesis:
		return StageDone
	default:
		return StageDone
	}
}

// ItemStatus represents the processing state of a single work item
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusSucceeded  ItemStatus = "succeeded"
	StatusFailed     ItemStatus = "failed"
)

// ItemRecord tracks one unit of work within a stage: one page image during
// extraction, or the single combined document in later stages.
// Invariants: Result is set iff status is succeeded; Error is set iff status
// is failed; AttemptCount never exceeds the configured retry maximum.
type ItemRecord struct {
	ItemID       string     `json:"item_id"`
	Status       ItemStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"` // "transient" or "fatal"
	AttemptCount int        `json:"attempt_count"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Session represents the persisted state of one pipeline run over a fixed
// input set. The fingerprint is derived from the ordered item IDs, so a rerun
// over the same inputs resolves to the same session.
type Session struct {
	Fingerprint string    `json:"fingerprint"`
	RunID       string    `json:"run_id"` // UUID assigned on first save
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Stage Stage `json:"stage"`

	// One record per page image, in input order.
	Items []ItemRecord `json:"items"`

	// Combination step output and the IDs of items omitted from it.
	CombinedText string   `json:"combined_text,omitempty"`
	Elided       []string `json:"elided,omitempty"`

	// Single-document stages keyed by stage name. The synthesis record's
	// Result holds the output artifact path, not the audio bytes.
	Document map[Stage]*ItemRecord `json:"document,omitempty"`

	Stats SessionStats `json:"stats"`
}

// SessionStats tracks cumulative counters for a session
type SessionStats struct {
	TotalItems   int           `json:"total_items"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	RetryCount   int           `json:"retry_count"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ItemCounts returns per-status counts over the extraction items.
func (s *Session) ItemCounts() (pending, inProgress, succeeded, failed int) {
	for _, it := range s.Items {
		switch it.Status {
		case StatusPending:
			pending++
		case StatusInProgress:
			inProgress++
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	return
}

// Item returns a pointer to the extraction item with the given ID, or nil.
func (s *Session) Item(itemID string) *ItemRecord {
	for i := range s.Items {
		if s.Items[i].ItemID == itemID {
			return &s.Items[i]
		}
	}
	return nil
}

// DocumentItem returns the single-document record for a stage, creating a
// pending one if the stage has not been touched yet.
func (s *Session) DocumentItem(stage Stage) *ItemRecord {
	if s.Document == nil {
		s.Document = make(map[Stage]*ItemRecord)
	}
	if rec, ok := s.Document[stage]; ok {
		return rec
	}
	rec := &ItemRecord{
		ItemID: "document:" + string(stage),
		Status: StatusPending,
	}
	s.Document[stage] = rec
	return rec
}

// SessionSummary is a compact view of a session used by progress listings
type SessionSummary struct {
	Fingerprint string    `json:"fingerprint"`
	Stage       Stage     `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
}

// Progress returns the completion percentage over extraction items.
func (sum SessionSummary) Progress() float64 {
	if sum.Total == 0 {
		return 0.0
	}
	return float64(sum.Succeeded) / float64(sum.Total) * 100.0
}

// RunReport summarizes the outcome of a pipeline run for the CLI layer
type RunReport struct {
	Fingerprint  string
	FinalStage   Stage
	Succeeded    int
	Failed       int
	Elided       []string
	AudioPath    string
	TextPath     string
	Degraded     bool
	Terminated   bool   // true when a single-document stage failed permanently
	TerminatedBy string // the stage that ended the run, when Terminated
	Duration     time.Duration
}
