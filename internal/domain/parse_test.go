package domain

import "testing"

func TestParseRawRecord(t *testing.T) {
	rec, err := ParseRawRecord([]string{"s1", "1000", "Bob", "5", "12"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.SessionID != "s1" || rec.TimestampMS != 1000 || rec.UserName != "Bob" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.EndMetric-rec.StartMetric != 7 {
		t.Fatalf("expected duration 7, got %v", rec.EndMetric-rec.StartMetric)
	}

	if _, err := ParseRawRecord([]string{"s1", "1000", "Bob", "5"}); err == nil {
		t.Fatal("expected error for short row")
	}
	if _, err := ParseRawRecord([]string{"s1", "soon", "Bob", "5", "6"}); err == nil {
		t.Fatal("expected error for non-numeric timestamp")
	}
	if _, err := ParseRawRecord([]string{"s1", "1000", "Bob", "x", "6"}); err == nil {
		t.Fatal("expected error for non-numeric start metric")
	}
}

func TestParseEpochMillisAcceptsWholeFloats(t *testing.T) {
	v, err := ParseEpochMillis("1700000000000")
	if err != nil || v != 1_700_000_000_000 {
		t.Fatalf("expected integer parse, got %d err=%v", v, err)
	}
	v, err = ParseEpochMillis("2000.0")
	if err != nil || v != 2000 {
		t.Fatalf("expected 2000 from float text, got %d err=%v", v, err)
	}
	if _, err := ParseEpochMillis("2000.5"); err == nil {
		t.Fatal("expected error for fractional milliseconds")
	}
}
