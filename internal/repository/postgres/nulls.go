package postgres

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// idArray encodes a parallel attacker id slice. Zero ids become SQL NULL
// elements so the array keeps its length.
func idArray(ids []int64) pq.GenericArray {
	out := make([]sql.NullInt64, len(ids))
	for i, id := range ids {
		out[i] = sql.NullInt64{Int64: id, Valid: id != 0}
	}
	return pq.GenericArray{A: out}
}

// idSlice decodes an array written by idArray. NULL elements become zero.
func idSlice(in []sql.NullInt64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		if v.Valid {
			out[i] = v.Int64
		}
	}
	return out
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullFloat64(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
