package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseRawRecord converts the five positional source fields into a RawRecord.
func ParseRawRecord(fields []string) (RawRecord, error) {
	if len(fields) != len(RawColumns) {
		return RawRecord{}, fmt.Errorf("expected %d fields, got %d", len(RawColumns), len(fields))
	}

	ts, err := ParseEpochMillis(fields[1])
	if err != nil {
		return RawRecord{}, fmt.Errorf("%s: %w", ColumnTimestampMS, err)
	}
	start, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return RawRecord{}, fmt.Errorf("%s: %w", ColumnStartMetric, err)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return RawRecord{}, fmt.Errorf("%s: %w", ColumnEndMetric, err)
	}

	return RawRecord{
		SessionID:   fields[0],
		TimestampMS: ts,
		UserName:    fields[2],
		StartMetric: start,
		EndMetric:   end,
	}, nil
}

// ParseEpochMillis accepts integer text, or float text with no fractional
// part (a BIGINT column read back through a DOUBLE staging column).
func ParseEpochMillis(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch milliseconds %q", raw)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid epoch milliseconds %q", raw)
	}
	return int64(f), nil
}
