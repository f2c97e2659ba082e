// Package timeslice records how long the host spent handling each VM
// exit. Records are written by a background goroutine after a header that
// names every kind, so a trace file is self-describing.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

var ErrClosed = errors.New("timeslice: writer closed")

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

// Kind identifies what a record measured.
type Kind uint16

// Flags describe how an individual exit was handled.
type Flags uint16

const (
	// FlagHidden marks an exit whose latency was hidden from the guest.
	FlagHidden Flags = 1 << iota
	// FlagInjected marks an exit that injected an event into the guest.
	FlagInjected
)

func (f Flags) String() string {
	flags := []string{}
	if f&FlagHidden != 0 {
		flags = append(flags, "hidden")
	}
	if f&FlagInjected != 0 {
		flags = append(flags, "injected")
	}
	return strings.Join(flags, ",")
}

// Registry names kinds. It must be complete before Open is called.
type Registry struct {
	mu    sync.Mutex
	kinds map[Kind]string
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[Kind]string)}
}

// Define names kind, replacing any earlier name.
func (r *Registry) Define(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.kinds[kind] = name
}

// Name returns the name of kind.
func (r *Registry) Name(kind Kind) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.kinds[kind]
	return name, ok
}

type record struct {
	Kind      Kind
	Flags     Flags
	Processor uint32
	Duration  int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer.
type Writer struct {
	w       io.Writer
	records chan record
	done    chan error
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open writes the header for kinds and starts the write goroutine.
func Open(w io.Writer, kinds *Registry) (*Writer, error) {
	kinds.mu.Lock()
	slices, err := json.Marshal(kinds.kinds)
	kinds.mu.Unlock()
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

	// pad to 4096 so records are aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (w *Writer) run() {
	var buf [4096]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// keep draining so Record never blocks
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(rec.Kind))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(rec.Flags))
		binary.LittleEndian.PutUint32(buf[off+4:], rec.Processor)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

// Record queues one record. It never blocks: when the queue is full the
// record is dropped and counted.
func (w *Writer) Record(kind Kind, processor int, flags Flags, d time.Duration) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}
	select {
	case w.records <- record{Kind: kind, Flags: flags, Processor: uint32(processor), Duration: d.Nanoseconds()}:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full queue.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close flushes queued records and waits for them to be written.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.records)
	w.mu.Unlock()

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

// Record is one decoded trace entry.
type Record struct {
	Kind      string
	Flags     Flags
	Processor int
	Duration  time.Duration
}

// ReadAllRecords decodes a trace, calling fn for every record in order.
func ReadAllRecords(r io.Reader, fn func(Record) error) error {
	var kinds map[Kind]string

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	// skip the padding
	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		name, ok := kinds[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.Kind)
		}
		if err := fn(Record{
			Kind:      name,
			Flags:     rec.Flags,
			Processor: int(rec.Processor),
			Duration:  time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}

	return nil
}
