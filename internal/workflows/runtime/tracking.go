package runtime

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/workflows"
)

// Severity grades a tracked error. Warnings recovered without losing work,
// errors cost a step, criticals ended the workflow.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is one tracked failure kept in bounded history.
type ErrorRecord struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	StepType   string                 `json:"step_type,omitempty"`
	Code       workflows.ErrorCode    `json:"code"`
	Message    string                 `json:"message"`
	Severity   Severity               `json:"severity"`
	Strategy   string                 `json:"strategy,omitempty"`
	Recovered  bool                   `json:"recovered"`
	Attempt    int                    `json:"attempt,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// ErrorSummary aggregates a workflow's tracked errors.
type ErrorSummary struct {
	Total      int                         `json:"total"`
	Recovered  int                         `json:"recovered"`
	ByCode     map[workflows.ErrorCode]int `json:"by_code"`
	BySeverity map[Severity]int            `json:"by_severity"`
	ByStep     map[string]int              `json:"by_step"`
}

// ErrorPattern flags a step that keeps failing the same way inside the
// detection window.
type ErrorPattern struct {
	WorkflowID string              `json:"workflow_id"`
	StepID     string              `json:"step_id"`
	Code       workflows.ErrorCode `json:"code"`
	Count      int                 `json:"count"`
	FirstSeen  time.Time           `json:"first_seen"`
	LastSeen   time.Time           `json:"last_seen"`
}

// RecoveryStat counts recovery attempts per strategy.
type RecoveryStat struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

const (
	defaultWorkflowHistoryCap = 100
	defaultGlobalHistoryCap   = 1000
	patternWindow             = 24 * time.Hour
	patternThreshold          = 3
)

// ring is a bounded FIFO that drops the oldest record at capacity.
type ring struct {
	buf   []ErrorRecord
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]ErrorRecord, capacity)}
}

func (r *ring) add(rec ErrorRecord) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// list returns records oldest first.
func (r *ring) list() []ErrorRecord {
	out := make([]ErrorRecord, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// ErrorTracker keeps bounded error history per workflow and globally, plus
// recovery statistics per strategy. Histories are capped so a pathological
// workflow cannot grow memory without bound.
type ErrorTracker struct {
	mu       sync.Mutex
	global   *ring
	perWF    map[string]*ring
	wfCap    int
	recovery map[string]*RecoveryStat
}

func NewErrorTracker(perWorkflowCap, globalCap int) *ErrorTracker {
	if perWorkflowCap <= 0 {
		perWorkflowCap = defaultWorkflowHistoryCap
	}
	if globalCap <= 0 {
		globalCap = defaultGlobalHistoryCap
	}
	return &ErrorTracker{
		global:   newRing(globalCap),
		perWF:    make(map[string]*ring),
		wfCap:    perWorkflowCap,
		recovery: make(map[string]*RecoveryStat),
	}
}

// Record stores a failure, assigning id, timestamp, and severity defaults,
// and returns the stored record.
func (t *ErrorTracker) Record(rec ErrorRecord) ErrorRecord {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityError
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.global.add(rec)
	r := t.perWF[rec.WorkflowID]
	if r == nil {
		r = newRing(t.wfCap)
		t.perWF[rec.WorkflowID] = r
	}
	r.add(rec)
	return rec
}

// RecordRecovery counts one recovery attempt for a strategy.
func (t *ErrorTracker) RecordRecovery(strategy string, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stat := t.recovery[strategy]
	if stat == nil {
		stat = &RecoveryStat{}
		t.recovery[strategy] = stat
	}
	stat.Attempted++
	if succeeded {
		stat.Succeeded++
	}
}

// History returns up to limit records for one workflow, newest first.
// A non-positive limit returns everything retained.
func (t *ErrorTracker) History(workflowID string, limit int) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.perWF[workflowID]
	if r == nil {
		return nil
	}
	return newestFirst(r.list(), limit)
}

// GlobalHistory returns up to limit records across all workflows, newest
// first.
func (t *ErrorTracker) GlobalHistory(limit int) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return newestFirst(t.global.list(), limit)
}

// Since returns every retained record at or after the cutoff, oldest first.
func (t *ErrorTracker) Since(cutoff time.Time) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range t.global.list() {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Summary aggregates one workflow's retained errors by code, severity, and
// step. An empty id aggregates the global ring.
func (t *ErrorTracker) Summary(workflowID string) ErrorSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	summary := ErrorSummary{
		ByCode:     make(map[workflows.ErrorCode]int),
		BySeverity: make(map[Severity]int),
		ByStep:     make(map[string]int),
	}
	var records []ErrorRecord
	if workflowID == "" {
		records = t.global.list()
	} else if r := t.perWF[workflowID]; r != nil {
		records = r.list()
	}
	for _, rec := range records {
		summary.Total++
		summary.ByCode[rec.Code]++
		summary.BySeverity[rec.Severity]++
		if rec.StepID != "" {
			summary.ByStep[rec.StepID]++
		}
		if rec.Recovered {
			summary.Recovered++
		}
	}
	return summary
}

// Patterns reports steps that failed with the same code at least
// patternThreshold times inside the detection window.
func (t *ErrorTracker) Patterns(workflowID string, now time.Time) []ErrorPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.perWF[workflowID]
	if r == nil {
		return nil
	}

	type key struct {
		stepID string
		code   workflows.ErrorCode
	}
	groups := make(map[key]*ErrorPattern)
	cutoff := now.Add(-patternWindow)
	for _, rec := range r.list() {
		if rec.Timestamp.Before(cutoff) || rec.StepID == "" {
			continue
		}
		k := key{rec.StepID, rec.Code}
		p := groups[k]
		if p == nil {
			p = &ErrorPattern{
				WorkflowID: workflowID,
				StepID:     rec.StepID,
				Code:       rec.Code,
				FirstSeen:  rec.Timestamp,
			}
			groups[k] = p
		}
		p.Count++
		p.LastSeen = rec.Timestamp
	}

	var out []ErrorPattern
	for _, p := range groups {
		if p.Count >= patternThreshold {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

// RecoveryStats returns a copy of the per-strategy recovery counters.
func (t *ErrorTracker) RecoveryStats() map[string]RecoveryStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]RecoveryStat, len(t.recovery))
	for strategy, stat := range t.recovery {
		out[strategy] = *stat
	}
	return out
}

// Drop discards one workflow's history. Global history keeps its records
// until they age out of the ring.
func (t *ErrorTracker) Drop(workflowID string) {
	t.mu.Lock()
	delete(t.perWF, workflowID)
	t.mu.Unlock()
}

// ExportJSON renders a workflow's history (or the global one when the id is
// empty) as a JSON document, oldest first.
func (t *ErrorTracker) ExportJSON(workflowID string) ([]byte, error) {
	records := t.exportList(workflowID)
	return json.MarshalIndent(records, "", "  ")
}

// ExportCSV renders a workflow's history (or the global one when the id is
// empty) as CSV with a header row, oldest first.
func (t *ErrorTracker) ExportCSV(workflowID string) ([]byte, error) {
	records := t.exportList(workflowID)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"id", "timestamp", "workflow_id", "step_id", "task_id", "step_type",
		"code", "severity", "strategy", "recovered", "attempt", "message",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Timestamp.Format(time.RFC3339Nano),
			rec.WorkflowID,
			rec.StepID,
			rec.TaskID,
			rec.StepType,
			string(rec.Code),
			string(rec.Severity),
			rec.Strategy,
			strconv.FormatBool(rec.Recovered),
			strconv.Itoa(rec.Attempt),
			rec.Message,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *ErrorTracker) exportList(workflowID string) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if workflowID == "" {
		return t.global.list()
	}
	if r := t.perWF[workflowID]; r != nil {
		return r.list()
	}
	return []ErrorRecord{}
}

func newestFirst(records []ErrorRecord, limit int) []ErrorRecord {
	out := make([]ErrorRecord, len(records))
	for i, rec := range records {
		out[len(records)-1-i] = rec
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
