// Package execution models trade executions reported by the exchange and their normalization.
package execution

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Raw is one execution as delivered by the live feed or the history endpoint.
type Raw struct {
	ID       int64               `json:"id"`
	Price    decimal.NullDecimal `json:"price"`
	Size     decimal.NullDecimal `json:"size"`
	ExecDate string              `json:"exec_date"`
}

// Record is a normalized execution kept in a symbol window.
type Record struct {
	ID            int64
	Price         decimal.Decimal
	Size          decimal.Decimal
	ExecDate      string // normalized, always carries a zone designator
	ExecDateEpoch int64  // seconds since epoch
}

// Time returns the execution timestamp in UTC.
func (r Record) Time() time.Time {
	return time.Unix(r.ExecDateEpoch, 0).UTC()
}

// NormalizeDate appends a UTC designator when execDate has none and parses it.
// The boolean is false when the value carries no usable timestamp.
func NormalizeDate(execDate string) (string, time.Time, bool) {
	execDate = strings.TrimSpace(execDate)
	if execDate == "" {
		return "", time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, execDate); err == nil {
		return execDate, ts.UTC(), true
	}
	if strings.HasSuffix(execDate, "Z") {
		return "", time.Time{}, false
	}
	withZone := execDate + "Z"
	ts, err := time.Parse(time.RFC3339Nano, withZone)
	if err != nil {
		return "", time.Time{}, false
	}
	return withZone, ts.UTC(), true
}

// Normalize converts a raw execution into a Record. Records without an id, price, size or a
// parseable exec_date are rejected.
func Normalize(raw Raw) (Record, bool) {
	if raw.ID == 0 || !raw.Price.Valid || !raw.Size.Valid {
		return Record{}, false
	}
	execDate, ts, ok := NormalizeDate(raw.ExecDate)
	if !ok {
		return Record{}, false
	}
	return Record{
		ID:            raw.ID,
		Price:         raw.Price.Decimal,
		Size:          raw.Size.Decimal,
		ExecDate:      execDate,
		ExecDateEpoch: ts.Unix(),
	}, true
}

// MinID returns the smallest id in the batch, or 0 for an empty batch.
func MinID(raw []Raw) int64 {
	var min int64
	for i, r := range raw {
		if i == 0 || r.ID < min {
			min = r.ID
		}
	}
	return min
}
