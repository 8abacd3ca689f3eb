// Package timeslice records how long each bring-up step takes.
//
// Records are streamed to a single process-wide writer opened with
// StartRecording. When no writer is open Record is a no-op.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x48564253 // "HVBS"
	Version uint32 = 3
)

var (
	ErrAlreadyOpen   = errors.New("timeslice: already open")
	ErrAlreadyClosed = errors.New("timeslice: already closed")
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

// NoGuest marks a record that belongs to the core rather than a guest.
const NoGuest int32 = -1

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagSetup != 0 {
		flags = append(flags, "setup")
	}
	if f&SliceFlagTeardown != 0 {
		flags = append(flags, "teardown")
	}
	return strings.Join(flags, ",")
}

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagSetup
	SliceFlagTeardown
)

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind declares a new kind of record. Kinds are normally registered
// from package level var blocks.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	Guest    int32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.drain()
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(rec.Guest))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

// drain discards records after a write failure so producers never block.
func (w *writer) drain() {
	go func() {
		for range w.writerChan {
		}
	}()
}

func (w *writer) Close() error {
	// only the goroutine that swaps the writer out may close the channel
	if !currentWriter.CompareAndSwap(w, nil) {
		return ErrAlreadyClosed
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var (
	currentWriter atomic.Pointer[writer]
	sendMu        sync.RWMutex
)

// Recorder measures the time between successive Record calls.
// It is not safe for concurrent use; give each goroutine its own.
type Recorder struct {
	last  time.Time
	guest int32
}

func NewRecorder() *Recorder {
	return &Recorder{
		last:  time.Now(),
		guest: NoGuest,
	}
}

// NewGuestRecorder returns a Recorder whose records are attributed to guest.
func NewGuestRecorder(guest int) *Recorder {
	r := NewRecorder()
	r.guest = int32(guest)
	return r
}

// Record emits the time elapsed since the previous Record (or creation).
func (r *Recorder) Record(id TimesliceID) time.Duration {
	now := time.Now()
	duration := now.Sub(r.last)
	r.last = now
	RecordGuest(id, r.guest, duration)
	return duration
}

func Record(id TimesliceID, duration time.Duration) {
	RecordGuest(id, NoGuest, duration)
}

func RecordGuest(id TimesliceID, guest int32, duration time.Duration) {
	sendMu.RLock()
	defer sendMu.RUnlock()

	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			ID:       id,
			Guest:    guest,
			Duration: duration.Nanoseconds(),
		}
	}
}

// StartRecording writes the kind table to w and starts streaming records to
// it. Closing the returned io.Closer flushes and stops recording.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, ErrAlreadyOpen
	}

	kindsMu.Lock()
	slices, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	off += len(slices)

	// pad to 4096 so records start aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
	}
	go wr.run()

	if !currentWriter.CompareAndSwap(nil, wr) {
		close(wr.writerChan)
		<-wr.writeThreadComplete
		return nil, ErrAlreadyOpen
	}

	return closer{wr}, nil
}

// closer holds sendMu while closing so no Record can race the channel close.
type closer struct {
	w *writer
}

func (c closer) Close() error {
	sendMu.Lock()
	defer sendMu.Unlock()
	return c.w.Close()
}

// Entry is one decoded record.
type Entry struct {
	Kind     string
	Flags    SliceFlags
	Guest    int32
	Duration time.Duration
}

func ReadAllRecords(r io.Reader, fn func(e Entry) error) error {
	var table map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(Entry{
			Kind:     kind.Name,
			Flags:    kind.Flags,
			Guest:    rec.Guest,
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}

	return nil
}

// Summary aggregates every record of one kind.
type Summary struct {
	Kind  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a recording and returns per-kind totals ordered by total
// time, largest first.
func Summarize(r io.Reader) ([]Summary, error) {
	byKind := make(map[string]*Summary)
	if err := ReadAllRecords(r, func(e Entry) error {
		s, ok := byKind[e.Kind]
		if !ok {
			s = &Summary{Kind: e.Kind, Flags: e.Flags, Min: e.Duration}
			byKind[e.Kind] = s
		}
		s.Count++
		s.Total += e.Duration
		s.Min = min(s.Min, e.Duration)
		s.Max = max(s.Max, e.Duration)
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byKind))
	for _, s := range byKind {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}
