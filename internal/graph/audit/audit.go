// Package audit collects the append-only record of every mutation the repair
// pipeline makes to a graph.
package audit

import (
	"strings"
	"sync"
)

// Record describes a single field-level or structural change.
type Record struct {
	Code         string `json:"code"`
	NodeID       string `json:"node_id,omitempty"`
	EdgeID       string `json:"edge_id,omitempty"`
	ConstraintID string `json:"constraint_id,omitempty"`
	Field        string `json:"field,omitempty"`
	Before       any    `json:"before,omitempty"`
	After        any    `json:"after,omitempty"`
	Reason       string `json:"reason"`
	Stage        string `json:"stage"`
}

// Log is the collector threaded through every mutating step. A nil *Log
// discards records.
type Log struct {
	mu      sync.Mutex
	records []Record
}

func NewLog() *Log { return &Log{} }

func (l *Log) Add(r Record) {
	if l == nil {
		return
	}
	r.Code = strings.TrimSpace(r.Code)
	if r.Reason == "" {
		r.Reason = r.Code
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record{}, l.records...)
}

// Since returns records appended after the first n.
func (l *Log) Since(n int) []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.records) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return append([]Record{}, l.records[n:]...)
}

// ByStage filters records produced by one stage.
func (l *Log) ByStage(stage string) []Record {
	var out []Record
	for _, r := range l.Records() {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// Stage returns a view that stamps every record with the stage name.
func (l *Log) Stage(stage string) *Recorder {
	return &Recorder{log: l, stage: stage}
}

// Recorder is a stage-scoped handle onto a Log.
type Recorder struct {
	log   *Log
	stage string
	n     int
}

func (r *Recorder) Add(rec Record) {
	if r == nil {
		return
	}
	rec.Stage = r.stage
	r.n++
	r.log.Add(rec)
}

// Count is the number of records added through this recorder.
func (r *Recorder) Count() int {
	if r == nil {
		return 0
	}
	return r.n
}
