package hostid_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/resolvix/agent/internal/hostid"
)

func TestNodeID_GeneratedOnce(t *testing.T) {
	dir := t.TempDir()

	first, err := hostid.NodeID(dir)
	if err != nil {
		t.Fatalf("NodeID (first): %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("NodeID returned a non-UUID %q: %v", first, err)
	}

	second, err := hostid.NodeID(dir)
	if err != nil {
		t.Fatalf("NodeID (second): %v", err)
	}
	if second != first {
		t.Errorf("NodeID not stable: %q then %q", first, second)
	}
}

func TestNodeID_CorruptFileRegenerated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine-id")
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	id, err := hostid.NodeID(dir)
	if err != nil {
		t.Fatalf("NodeID: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NodeID kept corrupt identifier %q", id)
	}
}

func TestPrimaryIP_ParsesAsIP(t *testing.T) {
	ip := hostid.PrimaryIP()
	if net.ParseIP(ip) == nil {
		t.Errorf("PrimaryIP = %q, not a valid IP", ip)
	}
}

func TestHostname_NonEmpty(t *testing.T) {
	if hostid.Hostname() == "" {
		t.Error("Hostname returned empty string")
	}
}
