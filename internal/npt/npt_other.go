//go:build !amd64 && !arm64

package npt

import "errors"

const PageSize = 4096

var errUnsupported = errors.New("npt: nested page tables unsupported on this architecture")

type Table struct{}

type Mapping struct {
	GuestPhys uint64
	Host      uintptr
	Length    uint64
}

func New() *Table { return &Table{} }

func (t *Table) Map(gpa uint64, length uint64, host uintptr) error { return errUnsupported }
func (t *Table) Translate(gpa uint64) (uintptr, bool)              { return 0, false }
func (t *Table) Walk(fn func(m Mapping) bool)                       {}
func (t *Table) MappedBytes() uint64                                { return 0 }
func (t *Table) Root() uint64                                       { return 0 }
