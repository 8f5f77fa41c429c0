package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/simhost"
)

const fixture = `id: appWatch
name: %s
tablesById:
  tblBooks:
    id: tblBooks
    name: Books
    primaryFieldId: fldTitle
    fieldsById:
      fldTitle: {id: fldTitle, name: Title, type: singleLineText}
`

func writeFixture(t *testing.T, file, name string) {
	t.Helper()
	if err := os.WriteFile(file, []byte(strings.Replace(fixture, "%s", name, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestFixtureWatcherReloads verifies an edited fixture replaces the base
func TestFixtureWatcherReloads(t *testing.T) {
	file := filepath.Join(t.TempDir(), "base.yaml")
	writeFixture(t, file, "Before")
	host, err := simhost.NewFromFile(file)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	metrics := NewMetrics()
	w, err := NewFixtureWatcher(config.DefaultConfig(), file, host, metrics)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFixture(t, file, "After")
	select {
	case err := <-w.Reloaded():
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fixture was not reloaded")
	}
	if name := host.Snapshot()["name"]; name != "After" {
		t.Errorf("name = %v, want After", name)
	}
}

// TestFixtureWatcherKeepsBaseOnBadFixture verifies a broken fixture is rejected
func TestFixtureWatcherKeepsBaseOnBadFixture(t *testing.T) {
	file := filepath.Join(t.TempDir(), "base.yaml")
	writeFixture(t, file, "Before")
	host, err := simhost.NewFromFile(file)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()
	w, err := NewFixtureWatcher(config.DefaultConfig(), file, host, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()

	if err := os.WriteFile(file, []byte("tablesById: [1, 2]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(); err == nil {
		t.Fatal("Expected a contract error")
	}
	if name := host.Snapshot()["name"]; name != "Before" {
		t.Errorf("name = %v, want Before", name)
	}
}
