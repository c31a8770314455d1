package domain

import (
	"time"
)

// MergeMode selects how derived rows are written into the ledger.
type MergeMode string

const (
	MergeModeAppend    MergeMode = "append"
	MergeModeOverwrite MergeMode = "overwrite"
)

// Valid reports whether the mode is supported.
func (m MergeMode) Valid() bool {
	return m == MergeModeAppend || m == MergeModeOverwrite
}

// MergeRecord is the resolved merge request carried by a merge task.
type MergeRecord struct {
	Mode         MergeMode      `json:"mode"`
	LedgerTarget string         `json:"ledger_target"`
	Metadata     map[string]any `json:"metadata"`
}

// Clone copies the metadata map.
func (r MergeRecord) Clone() MergeRecord {
	out := r
	out.Metadata = cloneMap(r.Metadata)
	return out
}

// MergeOutput describes a completed merge and is cached on the batch.
type MergeOutput struct {
	LedgerPath       string           `json:"ledger_path"`
	SourceLedgerPath string           `json:"source_ledger_path"`
	Mode             MergeMode        `json:"mode"`
	RowsWritten      int              `json:"rows_written"`
	RowsReplaced     int              `json:"rows_replaced"`
	RowCounts        map[Category]int `json:"row_counts"`
	Warnings         []string         `json:"warnings,omitempty"`
	SummaryPath      string           `json:"summary_path,omitempty"`
	Record           MergeRecord      `json:"merge_record"`
	MergedAt         time.Time        `json:"merged_at"`
}

// Clone copies the nested maps and slices.
func (o MergeOutput) Clone() MergeOutput {
	out := o
	if o.RowCounts != nil {
		out.RowCounts = make(map[Category]int, len(o.RowCounts))
		for k, v := range o.RowCounts {
			out.RowCounts[k] = v
		}
	}
	out.Warnings = append([]string(nil), o.Warnings...)
	out.Record = o.Record.Clone()
	return out
}
