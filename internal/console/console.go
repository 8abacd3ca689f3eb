// Package console implements the COM1 port each guest prints to.
package console

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/hvboot/internal/hv"
)

const (
	// BasePort is the COM1 data register.
	BasePort uint16 = 0x3f8

	regData       = 0
	regLineStatus = 5

	// transmitter holding register and shift register both empty
	lineStatusIdle = 0x60

	maxLine = 4096
)

// Console is a write-only serial port. Output is split into lines, stripped
// of terminal escape sequences and logged against the guest.
type Console struct {
	guest hv.GuestID
	log   *slog.Logger
	sink  io.Writer

	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

type Option func(*Console)

// WithSink copies every completed line, prefixed with the guest id, to w.
func WithSink(w io.Writer) Option {
	return func(c *Console) { c.sink = w }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Console) { c.log = log }
}

func New(guest hv.GuestID, opts ...Option) *Console {
	c := &Console{
		guest: guest,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("guest", int(guest))
	return c
}

// Init implements hv.Device.
func (c *Console) Init(m hv.Machine) error {
	if m.ID() != c.guest {
		return fmt.Errorf("console for guest %d attached to guest %d", c.guest, m.ID())
	}
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (c *Console) IOPorts() []uint16 {
	ports := make([]uint16, 8)
	for i := range ports {
		ports[i] = BasePort + uint16(i)
	}
	return ports
}

// ReadIOPort implements hv.X86IOPortDevice.
func (c *Console) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	if port-BasePort == regLineStatus && len(data) > 0 {
		data[0] = lineStatusIdle
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (c *Console) WriteIOPort(port uint16, data []byte) error {
	if port-BasePort != regData {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range data {
		if b == '\n' {
			c.flushLocked()
			continue
		}
		c.buf.WriteByte(b)
		if c.buf.Len() >= maxLine {
			c.flushLocked()
		}
	}
	return nil
}

func (c *Console) flushLocked() {
	line := ansi.Strip(string(bytes.TrimRight(c.buf.Bytes(), "\r")))
	c.buf.Reset()

	c.lines = append(c.lines, line)
	c.log.Info("guest console", "line", line)

	if c.sink != nil {
		fmt.Fprintf(c.sink, "[guest %d] %s\n", c.guest, line)
	}
}

// Flush emits any partial line.
func (c *Console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() > 0 {
		c.flushLocked()
	}
}

// Lines returns every completed line so far.
func (c *Console) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

var (
	_ hv.X86IOPortDevice = &Console{}
)
