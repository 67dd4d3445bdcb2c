package topicnaming

import "testing"

func TestCleanTitle_TrimsWhitespaceAndQuotes(t *testing.T) {
	got := cleanTitle(`  "Debugging Go Channels"  `)
	want := "Debugging Go Channels"
	if got != want {
		t.Fatalf("cleanTitle = %q, want %q", got, want)
	}
}

func TestCleanTitle_TruncatesToMaxChars(t *testing.T) {
	long := "This Is A Very Long Topic Title That Exceeds The Limit"
	got := cleanTitle(long)
	if len(got) != maxTitleChars {
		t.Fatalf("len(cleanTitle(long)) = %d, want %d", len(got), maxTitleChars)
	}
	if got != long[:maxTitleChars] {
		t.Fatalf("cleanTitle truncated incorrectly: %q", got)
	}
}

func TestCleanTitle_ShortTitleUnchanged(t *testing.T) {
	got := cleanTitle("Go Generics")
	if got != "Go Generics" {
		t.Fatalf("cleanTitle = %q, want unchanged", got)
	}
}

func TestTruncate_ShorterThanLimitUnchanged(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Fatalf("truncate = %q, want %q", got, "hello")
	}
}

func TestTruncate_LongerThanLimitCut(t *testing.T) {
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("truncate = %q, want %q", got, "hello")
	}
}

func TestTruncate_ExactLimitUnchanged(t *testing.T) {
	if got := truncate("hello", 5); got != "hello" {
		t.Fatalf("truncate = %q, want %q", got, "hello")
	}
}
