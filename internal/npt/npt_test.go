//go:build amd64 || arm64

package npt

import (
	"testing"
	"unsafe"
)

func alignedHost(t *testing.T, size uint64) ([]byte, uintptr) {
	t.Helper()
	buf := make([]byte, size+PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (PageSize - base%PageSize) % PageSize
	buf = buf[off : off+uintptr(size)]
	return buf, uintptr(unsafe.Pointer(&buf[0]))
}

func TestMapTranslate(t *testing.T) {
	tbl := New()
	_, host := alignedHost(t, 4*PageSize)

	if err := tbl.Map(0x10000, 4*PageSize, host); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, ok := tbl.Translate(0x10000 + PageSize + 0x123)
	if !ok {
		t.Fatalf("Translate: address not mapped")
	}
	if want := host + PageSize + 0x123; got != want {
		t.Fatalf("Translate = 0x%x, want 0x%x", got, want)
	}

	if _, ok := tbl.Translate(0x10000 + 4*PageSize); ok {
		t.Fatalf("Translate past end of mapping succeeded")
	}
	if _, ok := tbl.Translate(0); ok {
		t.Fatalf("Translate of unmapped page succeeded")
	}
	if tbl.MappedBytes() != 4*PageSize {
		t.Fatalf("MappedBytes = %d", tbl.MappedBytes())
	}
	if tbl.Root() == 0 {
		t.Fatalf("Root = 0")
	}
}

func TestMapRejects(t *testing.T) {
	tbl := New()
	_, host := alignedHost(t, 2*PageSize)

	tests := []struct {
		name   string
		gpa    uint64
		length uint64
		host   uintptr
	}{
		{"unaligned gpa", 0x10, PageSize, host},
		{"unaligned length", 0, PageSize + 1, host},
		{"unaligned host", 0, PageSize, host + 1},
		{"zero length", 0, 0, host},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tbl.Map(tt.gpa, tt.length, tt.host); err == nil {
				t.Fatalf("Map succeeded")
			}
		})
	}

	if err := tbl.Map(0, 2*PageSize, host); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := tbl.Map(PageSize, PageSize, host); err == nil {
		t.Fatalf("overlapping Map succeeded")
	}
}

func TestWalkMergesContiguous(t *testing.T) {
	tbl := New()
	_, host := alignedHost(t, 3*PageSize)
	_, other := alignedHost(t, PageSize)

	if err := tbl.Map(0, PageSize, host); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(PageSize, 2*PageSize, host+PageSize); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(0x100000, PageSize, other); err != nil {
		t.Fatal(err)
	}

	var got []Mapping
	tbl.Walk(func(m Mapping) bool {
		got = append(got, m)
		return true
	})

	want := []Mapping{
		{GuestPhys: 0, Host: host, Length: 3 * PageSize},
		{GuestPhys: 0x100000, Host: other, Length: PageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("Walk returned %d mappings, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mapping %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
