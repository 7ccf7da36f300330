package models

import "testing"

func TestParseItemStatus(t *testing.T) {
	for _, valid := range []string{"uploaded", "processing", "done"} {
		status, err := ParseItemStatus(valid)
		if err != nil {
			t.Fatalf("expected %q to parse, got %v", valid, err)
		}
		if string(status) != valid {
			t.Fatalf("expected %q, got %q", valid, status)
		}
	}

	for _, invalid := range []string{"", "Done", "failed", "queued", "uploaded "} {
		if _, err := ParseItemStatus(invalid); err == nil {
			t.Fatalf("expected %q to be rejected", invalid)
		}
	}
}
