// Package firmware holds the real-mode image every guest boots.
//
// The image prints the decimal guest id the provisioner stores in boot info
// on COM1, followed by a newline, and halts.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tinyrange/hvboot/internal/hv"
)

const (
	// BIOSEntry is the guest physical address execution starts at.
	BIOSEntry uint64 = 0x8000

	// BootInfoAddr is where the provisioner stores the guest id: one length
	// byte followed by that many ASCII decimal digits.
	BootInfoAddr uint64 = 0x500

	// BootInfoSize bounds the boot info of any non-negative id.
	BootInfoSize uint64 = 1 + 20

	// ConsolePort is the COM1 data register.
	ConsolePort uint16 = 0x3f8
)

var (
	ErrGuestIDRange = errors.New("guest id does not fit in boot info")
	ErrBootInfo     = errors.New("malformed boot info")
)

var image = []byte{
	0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0xbe, 0x01, 0x05, // mov si, 0x501
	0x8a, 0x0e, 0x00, 0x05, // mov cl, [0x500]
	0xac,       // next: lodsb
	0xee,       // out dx, al
	0xfe, 0xc9, // dec cl
	0x75, 0xfa, // jnz next
	0xb0, '\n', // mov al, '\n'
	0xee,       // out dx, al
	0xf4,       // hlt
	0xeb, 0xfd, // jmp hlt
}

// Image returns a copy of the firmware bytes.
func Image() []byte {
	return append([]byte(nil), image...)
}

// Size is the length of the firmware image in bytes.
func Size() uint64 { return uint64(len(image)) }

// Load copies the image into guest memory at entry.
func Load(w io.WriterAt, entry uint64) error {
	if _, err := w.WriteAt(image, int64(entry)); err != nil {
		return fmt.Errorf("load firmware at 0x%x: %w", entry, err)
	}
	return nil
}

// WriteBootInfo stores the decimal digits of id at BootInfoAddr.
func WriteBootInfo(w io.WriterAt, id hv.GuestID) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrGuestIDRange, id)
	}
	digits := strconv.Itoa(int(id))
	info := append([]byte{byte(len(digits))}, digits...)
	if _, err := w.WriteAt(info, int64(BootInfoAddr)); err != nil {
		return fmt.Errorf("write boot info: %w", err)
	}
	return nil
}

// ReadBootInfo parses the guest id stored at BootInfoAddr.
func ReadBootInfo(r io.ReaderAt) (hv.GuestID, error) {
	var info [BootInfoSize]byte
	if _, err := r.ReadAt(info[:1], int64(BootInfoAddr)); err != nil {
		return 0, fmt.Errorf("read boot info: %w", err)
	}
	n := int(info[0])
	if n == 0 || n >= len(info) {
		return 0, fmt.Errorf("%w: %d digits", ErrBootInfo, n)
	}
	if _, err := r.ReadAt(info[1:1+n], int64(BootInfoAddr)+1); err != nil {
		return 0, fmt.Errorf("read boot info: %w", err)
	}
	id, err := strconv.ParseUint(string(info[1:1+n]), 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBootInfo, err)
	}
	return hv.GuestID(id), nil
}

// Banner is the console output the image produces for id.
func Banner(id hv.GuestID) []byte {
	return append(strconv.AppendInt(nil, int64(id), 10), '\n')
}
