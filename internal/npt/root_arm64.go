package npt

// Root returns the table root in TTBR0_EL1 format.
func (t *Table) Root() uint64 {
	return t.pt.TTBR0_EL1(false, 0)
}
