package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/hvboot/internal/bringup"
	"github.com/tinyrange/hvboot/internal/firmware"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Platform != "auto" || c.GuestCount() != 2 || c.Entry() != firmware.BIOSEntry {
		t.Fatalf("Default = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	b := c.Bringup()
	if b.DisablePolicy != bringup.DisableAfterJoin || b.MemorySize != 2<<20 {
		t.Fatalf("Bringup = %+v", b)
	}
}

func TestDecode(t *testing.T) {
	doc := `
platform: sim
core: 1
guests: 0
entryPoint: 0x7c00
memoryKB: 256
disablePolicy: after-dispatch
logLevel: debug
`
	c, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Platform != "sim" || c.Core != 1 || c.GuestCount() != 0 {
		t.Fatalf("Decode = %+v", c)
	}
	if c.Entry() != 0x7c00 || c.MemoryKB != 256 {
		t.Fatalf("Decode = %+v", c)
	}
	if c.Bringup().DisablePolicy != bringup.DisableAfterDispatch {
		t.Fatalf("policy = %v", c.Bringup().DisablePolicy)
	}
	if c.Version != 1 {
		t.Fatalf("Version = %d", c.Version)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "guestz: 3\n"},
		{"bad platform", "platform: xen\n"},
		{"bad policy", "disablePolicy: sometimes\n"},
		{"bad log level", "logLevel: loud\n"},
		{"negative guests", "guests: -1\n"},
		{"entry outside memory", "memoryKB: 16\nentryPoint: 0x8000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc)); err == nil {
				t.Fatalf("Decode accepted %q", tt.doc)
			}
		})
	}
}

func TestZeroEntryPoint(t *testing.T) {
	c, err := Decode(strings.NewReader("platform: sim\nentryPoint: 0\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Entry() != 0 || c.Bringup().EntryPoint != 0 {
		t.Fatalf("entry = 0x%x, bringup entry = 0x%x", c.Entry(), c.Bringup().EntryPoint)
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Entry() != 0 {
		t.Fatalf("round trip entry = 0x%x", got.Entry())
	}

	d := Default()
	err = d.ApplyEnv(func(k string) (string, bool) {
		if k == EnvPrefix+"ENTRY" {
			return "0", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if d.Entry() != 0 {
		t.Fatalf("env entry = 0x%x", d.Entry())
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := Default()
	c.Platform = "sim"
	c.SetGuestCount(5)

	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Platform != "sim" || got.GuestCount() != 5 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("guests: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.GuestCount() != 4 {
		t.Fatalf("GuestCount = %d", c.GuestCount())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("Load of missing explicit file succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HVBOOT_PLATFORM":       "sim",
		"HVBOOT_GUESTS":         "6",
		"HVBOOT_ENTRY":          "0x9000",
		"HVBOOT_DISABLE_POLICY": "never",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	if err := c.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Platform != "sim" || c.GuestCount() != 6 || c.Entry() != 0x9000 {
		t.Fatalf("ApplyEnv = %+v", c)
	}
	if c.Bringup().DisablePolicy != bringup.DisableNever {
		t.Fatalf("policy = %v", c.Bringup().DisablePolicy)
	}

	env["HVBOOT_CORE"] = "zero"
	if err := c.ApplyEnv(lookup); err == nil {
		t.Fatalf("ApplyEnv accepted non-numeric core")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("HVBOOT_TEST_ONLY_GUESTS=7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HVBOOT_TEST_ONLY_GUESTS", "")
	os.Unsetenv("HVBOOT_TEST_ONLY_GUESTS")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("HVBOOT_TEST_ONLY_GUESTS"); got != "7" {
		t.Fatalf("env = %q, want 7", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("LoadEnvFile of missing explicit file succeeded")
	}
}
