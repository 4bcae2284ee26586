package util

import (
    "strconv"
    "testing"
    "time"
)

func TestParseTimeRFC3339(t *testing.T) {
    s := "2024-10-10T10:10:10Z"
    got, ok := ParseTime(s)
    if !ok {
        t.Fatalf("expected ok")
    }
    if got.UTC().Format(time.RFC3339) != s {
        t.Fatalf("unexpected time %v", got)
    }
}

func TestParseTimeUnix(t *testing.T) {
    ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
    got, ok := ParseTime(strconv.FormatInt(ts, 10))
    if !ok {
        t.Fatalf("expected ok")
    }
    if got.Unix() != ts {
        t.Fatalf("unexpected unix %v", got.Unix())
    }
}

func TestParseTimeDefault(t *testing.T) {
    def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
    got := ParseTimeDefault("", def)
    if !got.Equal(def) {
        t.Fatalf("expected default")
    }
}

func TestAlignFromTo(t *testing.T) {
    from := time.Date(2024, 10, 10, 10, 13, 42, 0, time.UTC)
    to := time.Date(2024, 10, 10, 11, 7, 9, 0, time.UTC)

    cases := []struct {
        tf       string
        wantFrom time.Time
        wantTo   time.Time
    }{
        {"1s", from, to},
        {"1m", time.Date(2024, 10, 10, 10, 13, 0, 0, time.UTC), time.Date(2024, 10, 10, 11, 7, 0, 0, time.UTC)},
        {"5m", time.Date(2024, 10, 10, 10, 10, 0, 0, time.UTC), time.Date(2024, 10, 10, 11, 5, 0, 0, time.UTC)},
        {"bogus", time.Date(2024, 10, 10, 10, 13, 0, 0, time.UTC), time.Date(2024, 10, 10, 11, 7, 0, 0, time.UTC)},
    }
    for _, tc := range cases {
        gotFrom, gotTo := AlignFromTo(from, to, tc.tf)
        if !gotFrom.Equal(tc.wantFrom) || !gotTo.Equal(tc.wantTo) {
            t.Fatalf("%s: got %v..%v", tc.tf, gotFrom, gotTo)
        }
    }
}

func TestParseIntDefault(t *testing.T) {
    if got := ParseIntDefault("42", 7); got != 42 {
        t.Fatalf("got %d", got)
    }
    if got := ParseIntDefault("", 7); got != 7 {
        t.Fatalf("got %d", got)
    }
    if got := ParseIntDefault("x", 7); got != 7 {
        t.Fatalf("got %d", got)
    }
}