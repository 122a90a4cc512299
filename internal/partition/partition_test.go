package partition

import (
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		key       string
		wantTable string
		wantDate  Date
		wantOK    bool
	}{
		{"orders/2024/01/03/part-000.parquet", "orders", Date{2024, 1, 3}, true},
		{"orders/2024/12/31/data.csv", "orders", Date{2024, 12, 31}, true},
		{"page_views/2023/06/15/chunk-01.parquet", "page_views", Date{2023, 6, 15}, true},
		{"orders/2024/01/03/nested/part-000.parquet", "orders", Date{2024, 1, 3}, true},

		// Malformed layouts
		{"orders/2024/01/03/", "", Date{}, false},   // no object
		{"orders/2024/01/03", "", Date{}, false},    // directory marker only
		{"orders/2024/1/03/x", "", Date{}, false},   // month not zero-padded
		{"orders/24/01/03/x", "", Date{}, false},    // two-digit year
		{"2024/01/03/x", "", Date{}, false},         // missing table
		{"orders/abcd/01/03/x", "", Date{}, false},  // non-numeric year
		{"orders/2024/02/30/x", "", Date{}, false},  // impossible date
		{"orders/2023/02/29/x", "", Date{}, false},  // not a leap year
		{"_manifest.json", "", Date{}, false},
	}

	for _, tt := range tests {
		table, d, ok := ParseKey(tt.key)
		if ok != tt.wantOK {
			t.Errorf("ParseKey(%q) ok = %v, want %v", tt.key, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if table != tt.wantTable || d != tt.wantDate {
			t.Errorf("ParseKey(%q) = (%s, %v), want (%s, %v)", tt.key, table, d, tt.wantTable, tt.wantDate)
		}
	}
}

func TestParseKeyLeapDay(t *testing.T) {
	_, d, ok := ParseKey("orders/2024/02/29/part.parquet")
	if !ok {
		t.Fatal("2024-02-29 is a valid leap day")
	}
	if d != (Date{2024, 2, 29}) {
		t.Errorf("got %v", d)
	}
}

func TestDateCompare(t *testing.T) {
	tests := []struct {
		a, b Date
		want int
	}{
		{Date{2024, 1, 3}, Date{2024, 1, 3}, 0},
		{Date{2024, 1, 2}, Date{2024, 1, 3}, -1},
		{Date{2024, 1, 4}, Date{2024, 1, 3}, 1},
		{Date{2023, 12, 31}, Date{2024, 1, 1}, -1},
		{Date{2024, 2, 1}, Date{2024, 1, 31}, 1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDateKeyRoundTrip(t *testing.T) {
	d := Date{2024, 1, 3}
	key := d.Key()
	if key != "2024-01-03" {
		t.Errorf("Key() = %q", key)
	}
	back, ok := ParseDateKey(key)
	if !ok || back != d {
		t.Errorf("ParseDateKey(%q) = (%v, %v)", key, back, ok)
	}
	if _, ok := ParseDateKey("2024-02-30"); ok {
		t.Error("ParseDateKey accepted an impossible date")
	}
}

func TestPartitionKeyCaseInsensitive(t *testing.T) {
	a := Partition{Table: "Orders", Date: Date{2024, 1, 3}}
	b := Partition{Table: "orders", Date: Date{2024, 1, 3}}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}
}

func TestSetKeyDeterministic(t *testing.T) {
	a := []Partition{
		{Table: "orders", Date: Date{2024, 1, 3}},
		{Table: "orders", Date: Date{2024, 1, 1}},
		{Table: "orders", Date: Date{2024, 1, 2}},
	}
	b := []Partition{
		{Table: "orders", Date: Date{2024, 1, 2}},
		{Table: "orders", Date: Date{2024, 1, 3}},
		{Table: "orders", Date: Date{2024, 1, 1}},
	}
	if SetKey(a) != SetKey(b) {
		t.Errorf("SetKey order-dependent: %q vs %q", SetKey(a), SetKey(b))
	}
	if SetKey(a) != "2024-01-01,2024-01-02,2024-01-03" {
		t.Errorf("SetKey = %q", SetKey(a))
	}
}

func TestMaxDate(t *testing.T) {
	parts := []Partition{
		{Date: Date{2024, 1, 5}},
		{Date: Date{2024, 1, 9}},
		{Date: Date{2024, 1, 7}},
	}
	if got := MaxDate(parts); got != (Date{2024, 1, 9}) {
		t.Errorf("MaxDate = %v", got)
	}
	if got := MaxDate(nil); !got.IsZero() {
		t.Errorf("MaxDate(nil) = %v, want zero", got)
	}
}

func TestSortByDate(t *testing.T) {
	parts := []Partition{
		{Date: Date{2024, 1, 5}},
		{Date: Date{2023, 12, 31}},
		{Date: Date{2024, 1, 1}},
	}
	SortByDate(parts)
	for i := 1; i < len(parts); i++ {
		if parts[i].Date.Before(parts[i-1].Date) {
			t.Fatalf("not sorted at %d: %v", i, parts)
		}
	}
}
