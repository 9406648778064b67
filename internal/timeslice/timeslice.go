// Package timeslice records how long each phase of a link takes. Totals are
// kept in memory; optionally every record is also streamed to a binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a link phase.
type Kind uint32

const (
	KindResolve Kind = iota + 1
	KindPartition
	KindCacheLookup
	KindCompile
	KindCacheWrite
	KindPrune
	KindAggregate
)

var kindNames = map[Kind]string{
	KindResolve:     "resolve",
	KindPartition:   "partition",
	KindCacheLookup: "cache-lookup",
	KindCompile:     "compile",
	KindCacheWrite:  "cache-write",
	KindPrune:       "prune",
	KindAggregate:   "aggregate",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

type record struct {
	Kind     Kind
	_        uint32
	Duration int64
}

// Total is the accumulated time of one kind.
type Total struct {
	Kind     Kind
	Count    int
	Duration time.Duration
}

// Recorder is safe for concurrent use. A nil *Recorder discards everything.
type Recorder struct {
	mu     sync.Mutex
	totals map[Kind]*Total
	trace  *bufio.Writer
	err    error
}

func NewRecorder() *Recorder {
	return &Recorder{totals: make(map[Kind]*Total)}
}

// Stream writes the trace header to w and every later record after it.
func (r *Recorder) Stream(w io.Writer) error {
	names, err := json.Marshal(kindNames)
	if err != nil {
		return fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header{Magic: Magic, Version: Version, KindsLength: uint32(len(names))}); err != nil {
		return fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := bw.Write(names); err != nil {
		return fmt.Errorf("timeslice: write kinds: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace != nil {
		return fmt.Errorf("timeslice: already streaming")
	}
	r.trace = bw
	return nil
}

func (r *Recorder) Record(k Kind, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.totals[k]
	if !ok {
		t = &Total{Kind: k}
		r.totals[k] = t
	}
	t.Count++
	t.Duration += d

	if r.trace != nil && r.err == nil {
		r.err = binary.Write(r.trace, binary.LittleEndian, record{Kind: k, Duration: d.Nanoseconds()})
	}
}

// Since records the time elapsed from start, for use with defer.
func (r *Recorder) Since(k Kind, start time.Time) {
	r.Record(k, time.Since(start))
}

// Totals returns the accumulated time per kind in phase order.
func (r *Recorder) Totals() []Total {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Total, 0, len(r.totals))
	for _, t := range r.totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Close flushes the trace, reporting the first write error.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.trace == nil {
		return nil
	}
	if r.err != nil {
		return fmt.Errorf("timeslice: write record: %w", r.err)
	}
	if err := r.trace.Flush(); err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	r.trace = nil
	return nil
}

// ReadAll decodes a trace written through Stream.
func ReadAll(rd io.Reader, fn func(kind string, d time.Duration) error) error {
	br := bufio.NewReader(rd)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var names map[Kind]string
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsLength))).Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		name, ok := names[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(name, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
