package npt

// Root returns the table root in CR3 format.
func (t *Table) Root() uint64 {
	return t.pt.CR3(false, 0)
}
