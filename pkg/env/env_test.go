package env

import "testing"

func TestGetFallsBackOnBlank(t *testing.T) {
	t.Setenv("BODYSCAN_TEST_VALUE", "  ")
	if got := Get("BODYSCAN_TEST_VALUE", "json"); got != "json" {
		t.Fatalf("expected fallback got %q", got)
	}
	t.Setenv("BODYSCAN_TEST_VALUE", "console")
	if got := Get("BODYSCAN_TEST_VALUE", "json"); got != "console" {
		t.Fatalf("expected console got %q", got)
	}
}

func TestFirstSkipsEmpty(t *testing.T) {
	t.Setenv("BODYSCAN_TEST_A", "")
	t.Setenv("BODYSCAN_TEST_B", "b")
	if got := First("BODYSCAN_TEST_A", "BODYSCAN_TEST_B"); got != "b" {
		t.Fatalf("expected b got %q", got)
	}
}
