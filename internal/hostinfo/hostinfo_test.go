package hostinfo

import (
	"strings"
	"testing"
)

func TestCollectFillsIdentity(t *testing.T) {
	snap := Collect(t.TempDir())
	if snap.OS == "" {
		t.Fatal("expected an OS description")
	}
	if snap.CollectedAt.IsZero() {
		t.Fatal("expected a collection time")
	}
	if snap.DiskUsage < 0 || snap.DiskUsage > 100 {
		t.Fatalf("disk usage out of range: %v", snap.DiskUsage)
	}
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{Hostname: "sqm-pi", LocalIP: "192.168.4.2", OS: "raspbian 12"}
	if got := s.String(); got != "sqm-pi (192.168.4.2), raspbian 12" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := (Snapshot{OS: "linux"}).String(); !strings.HasPrefix(got, "unknown host") {
		t.Fatalf("unexpected string %q", got)
	}
}
