package randompick

import "testing"

func TestFiltersValidate(t *testing.T) {
	tags := make([]string, maxIncludedTags+1)
	f := Filters{IncludedTags: tags}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for too many included tags")
	}

	tags = make([]string, maxExcludedTags+1)
	f = Filters{ExcludedTags: tags}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for too many excluded tags")
	}

	f = Filters{IncludedTags: []string{"a", "b"}, ExcludedTags: []string{"c"}}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildWhereAlwaysFiltersStatus(t *testing.T) {
	where, args := buildWhere(Filters{}, "2026-01-01T00:00:00.000Z")
	if where == "" {
		t.Fatal("expected non-empty where clause")
	}
	if len(args) != 0 {
		t.Fatalf("expected no args for empty filter set, got %v", args)
	}
	if want := "i.status = 1"; !contains(where, want) {
		t.Fatalf("where = %q, want to contain %q", where, want)
	}
}

func TestBuildWhereR18Strict(t *testing.T) {
	strict, _ := buildWhere(Filters{R18: R18SafeOnly, R18Strict: true}, "")
	if !contains(strict, "i.x_restrict = 0") || contains(strict, "IS NULL") {
		t.Fatalf("strict safe-only where = %q", strict)
	}

	lenient, _ := buildWhere(Filters{R18: R18SafeOnly, R18Strict: false}, "")
	if !contains(lenient, "IS NULL") {
		t.Fatalf("lenient safe-only where = %q, want NULL-inclusive", lenient)
	}
}

func TestBuildWhereIncludedExcludedTags(t *testing.T) {
	where, args := buildWhere(Filters{
		IncludedTags: []string{"cat", "dog"},
		ExcludedTags: []string{"gore", "nsfw", "spoiler"},
	}, "")
	if countOccurrences(where, "EXISTS") != 3 { // 2 included-tag EXISTS clauses + 1 NOT EXISTS clause
		t.Fatalf("where = %q, expected 3 EXISTS occurrences (2 included + 1 NOT EXISTS)", where)
	}
	if len(args) != 5 {
		t.Fatalf("args = %v, want 2 included tags + 3 excluded tags = 5", args)
	}
}

func contains(s, sub string) bool {
	return indexOf(s, sub) >= 0
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
