// Package walk decodes variable-length instruction streams one instruction
// at a time. The walker is architecture-neutral: a Decoder reports each
// instruction's size in addressable units and the walker advances by it,
// bounded by a declared body size and an iteration ceiling.
package walk

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"artprobe/internal/mem"
)

// ErrDecodeStalled means the iteration ceiling was reached before the
// declared body size was consumed.
var ErrDecodeStalled = errors.New("decode stalled")

// StallError reports where a walk gave up.
type StallError struct {
	Base  uint64
	Addr  uint64
	Steps int
	Units int
	Limit int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("walk 0x%x: %v at 0x%x after %d steps (%d of %d units)",
		e.Base, ErrDecodeStalled, e.Addr, e.Steps, e.Units, e.Limit)
}

func (e *StallError) Unwrap() error { return ErrDecodeStalled }

// Instruction is one decoded instruction. It is never mutated after the
// walker yields it.
type Instruction struct {
	Addr     uint64
	Raw      []byte
	Units    int
	UnitSize int
	Mnemonic string
	Operands string
	// Suspect is set when the decoder failed or reported a zero size and
	// the walker substituted one unit.
	Suspect bool
	// Err is the decoder error behind a suspect instruction.
	Err error
	// Detail is the decoder's own representation.
	Detail any
}

// Size is the instruction length in bytes.
func (i Instruction) Size() int { return i.Units * i.UnitSize }

// Next is the address of the following instruction.
func (i Instruction) Next() uint64 { return i.Addr + uint64(i.Size()) }

// Hex renders the raw bytes as space-separated pairs.
func (i Instruction) Hex() string {
	var b strings.Builder
	for n, c := range i.Raw {
		if n > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

func (i Instruction) String() string {
	switch {
	case i.Mnemonic == "":
		return "(bad)"
	case i.Operands == "":
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

// Decoder decodes the instruction at addr. It reads only what it needs:
// a minimal prefix to learn the instruction's family, then the rest.
type Decoder interface {
	UnitSize() int
	Decode(m mem.Accessor, addr uint64) (Instruction, error)
}

// StallPolicy selects what a walk does when it reaches MaxSteps.
type StallPolicy int

const (
	// StallFail ends the walk with a *StallError after the partial
	// sequence.
	StallFail StallPolicy = iota
	// StallTruncate ends the walk silently.
	StallTruncate
)

func (p StallPolicy) String() string {
	if p == StallTruncate {
		return "truncate"
	}
	return "error"
}

// ParseStallPolicy accepts "error" and "truncate".
func ParseStallPolicy(s string) (StallPolicy, error) {
	switch s {
	case "", "error":
		return StallFail, nil
	case "truncate":
		return StallTruncate, nil
	}
	return 0, fmt.Errorf("unknown stall policy %q", s)
}

// DefaultMaxSteps bounds a walk when no ceiling is configured.
const DefaultMaxSteps = 1 << 16

// Walker walks instruction streams in one address space.
type Walker struct {
	mem      mem.Accessor
	dec      Decoder
	maxSteps int
	stall    StallPolicy
}

type Option func(*Walker)

// WithMaxSteps sets the iteration ceiling.
func WithMaxSteps(n int) Option { return func(w *Walker) { w.maxSteps = n } }

// WithStallPolicy sets the ceiling behavior.
func WithStallPolicy(p StallPolicy) Option { return func(w *Walker) { w.stall = p } }

func New(m mem.Accessor, dec Decoder, opts ...Option) *Walker {
	w := &Walker{mem: m, dec: dec, maxSteps: DefaultMaxSteps}
	for _, o := range opts {
		o(w)
	}
	if w.maxSteps <= 0 {
		w.maxSteps = DefaultMaxSteps
	}
	return w
}

// InstructionAt decodes the instruction at addr. A decode failure or a zero
// size yields a one-unit instruction flagged Suspect; only unreadable memory
// is an error.
func (w *Walker) InstructionAt(addr uint64) (Instruction, error) {
	unit := w.dec.UnitSize()
	ins, err := w.dec.Decode(w.mem, addr)
	if err == nil && ins.Units > 0 {
		ins.Addr = addr
		ins.UnitSize = unit
		return ins, nil
	}
	if errors.Is(err, mem.ErrUnmapped) {
		return Instruction{}, fmt.Errorf("decode 0x%x: %w", addr, err)
	}
	raw := make([]byte, unit)
	if rerr := w.mem.ReadAt(raw, addr); rerr != nil {
		return Instruction{}, fmt.Errorf("decode 0x%x: %w", addr, rerr)
	}
	if err == nil {
		err = errors.New("zero-length instruction")
	}
	ins.Addr = addr
	ins.Raw = raw
	ins.Units = 1
	ins.UnitSize = unit
	ins.Suspect = true
	ins.Err = err
	return ins, nil
}

// Walk lazily decodes from base until unitLimit units are consumed. The
// sequence depends only on the bytes, so ranging it again reproduces it. On
// a memory error or, under StallFail, on reaching the ceiling, the last
// pair carries the error.
func (w *Walker) Walk(base uint64, unitLimit int) iter.Seq2[Instruction, error] {
	return func(yield func(Instruction, error) bool) {
		addr := base
		units, steps := 0, 0
		for units < unitLimit {
			if steps >= w.maxSteps {
				if w.stall == StallFail {
					yield(Instruction{}, &StallError{Base: base, Addr: addr, Steps: steps, Units: units, Limit: unitLimit})
				}
				return
			}
			steps++
			ins, err := w.InstructionAt(addr)
			if err != nil {
				yield(ins, err)
				return
			}
			if !yield(ins, nil) {
				return
			}
			units += ins.Units
			addr = ins.Next()
		}
	}
}

// Collect gathers a walk. The instructions decoded before an error are
// returned with it.
func (w *Walker) Collect(base uint64, unitLimit int) ([]Instruction, error) {
	var out []Instruction
	for ins, err := range w.Walk(base, unitLimit) {
		if err != nil {
			return out, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// Count walks at most n instructions from base with no body bound. It is
// for compiled code whose end is unknown.
func (w *Walker) Count(base uint64, n int) ([]Instruction, error) {
	out := make([]Instruction, 0, n)
	addr := base
	for range n {
		ins, err := w.InstructionAt(addr)
		if err != nil {
			return out, err
		}
		out = append(out, ins)
		addr = ins.Next()
	}
	return out, nil
}
