// Package vecdiff applies ordered vector edits to an in-memory slice.
//
// The same applier is used for the room list and for every room timeline. Diffs are applied
// strictly in the order given, each against the state left by the previous one. An index which
// does not refer to a current element is a contract violation by the producer of the diffs and
// is reported as an *IndexError; the applier never clamps or wraps.
package vecdiff

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

type Op string

const (
	OpAppend    Op = "append"
	OpClear     Op = "clear"
	OpPushFront Op = "push_front"
	OpPushBack  Op = "push_back"
	OpPopFront  Op = "pop_front"
	OpPopBack   Op = "pop_back"
	OpInsert    Op = "insert"
	OpSet       Op = "set"
	OpRemove    Op = "remove"
	OpTruncate  Op = "truncate"
	OpReset     Op = "reset"
)

// Diff is a single edit. Which fields are meaningful depends on Op:
//   - Append, Reset: Values
//   - PushFront, PushBack: Value
//   - Insert, Set: Index and Value
//   - Remove: Index
//   - Truncate: Length
type Diff[T any] struct {
	Op     Op
	Values []T
	Value  T
	Index  int
	Length int
}

func Append[T any](values ...T) Diff[T] { return Diff[T]{Op: OpAppend, Values: values} }
func Clear[T any]() Diff[T] { return Diff[T]{Op: OpClear} }
func PushFront[T any](v T) Diff[T] { return Diff[T]{Op: OpPushFront, Value: v} }
func PushBack[T any](v T) Diff[T] { return Diff[T]{Op: OpPushBack, Value: v} }
func PopFront[T any]() Diff[T] { return Diff[T]{Op: OpPopFront} }
func PopBack[T any]() Diff[T] { return Diff[T]{Op: OpPopBack} }
func Insert[T any](i int, v T) Diff[T] { return Diff[T]{Op: OpInsert, Index: i, Value: v} }
func Set[T any](i int, v T) Diff[T] { return Diff[T]{Op: OpSet, Index: i, Value: v} }
func Remove[T any](i int) Diff[T] { return Diff[T]{Op: OpRemove, Index: i} }
func Truncate[T any](length int) Diff[T] { return Diff[T]{Op: OpTruncate, Length: length} }
func Reset[T any](values ...T) Diff[T] { return Diff[T]{Op: OpReset, Values: values} }

var ErrIndexOutOfRange = errors.New("vecdiff: index out of range")

// IndexError describes a diff which referenced a position that does not exist.
type IndexError struct {
	Op    Op
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vecdiff: %s at %d on collection of length %d", e.Op, e.Index, e.Len)
}

func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// Apply applies a single diff to s and returns the resulting slice. The input slice may be
// modified in place; callers holding snapshots must clone before applying.
func Apply[T any](s []T, d Diff[T]) ([]T, error) {
	switch d.Op {
	case OpAppend:
		return append(s, d.Values...), nil
	case OpClear:
		return s[:0], nil
	case OpPushFront:
		return slices.Insert(s, 0, d.Value), nil
	case OpPushBack:
		return append(s, d.Value), nil
	case OpPopFront:
		if len(s) == 0 {
			return s, &IndexError{Op: d.Op, Index: 0, Len: 0}
		}
		return slices.Delete(s, 0, 1), nil
	case OpPopBack:
		if len(s) == 0 {
			return s, &IndexError{Op: d.Op, Index: 0, Len: 0}
		}
		return s[:len(s)-1], nil
	case OpInsert:
		if d.Index < 0 || d.Index >= len(s) {
			return s, &IndexError{Op: d.Op, Index: d.Index, Len: len(s)}
		}
		return slices.Insert(s, d.Index, d.Value), nil
	case OpSet:
		if d.Index < 0 || d.Index >= len(s) {
			return s, &IndexError{Op: d.Op, Index: d.Index, Len: len(s)}
		}
		s[d.Index] = d.Value
		return s, nil
	case OpRemove:
		if d.Index < 0 || d.Index >= len(s) {
			return s, &IndexError{Op: d.Op, Index: d.Index, Len: len(s)}
		}
		return slices.Delete(s, d.Index, d.Index+1), nil
	case OpTruncate:
		if d.Length < 0 || d.Length > len(s) {
			return s, &IndexError{Op: d.Op, Index: d.Length, Len: len(s)}
		}
		return s[:d.Length], nil
	case OpReset:
		return append(s[:0], d.Values...), nil
	}
	return s, fmt.Errorf("vecdiff: unknown op %q", d.Op)
}

// ApplyAll applies diffs in order. On failure it returns the slice as it was after the last
// successful diff, along with the position of the failing diff in the batch.
func ApplyAll[T any](s []T, diffs []Diff[T]) ([]T, error) {
	for i, d := range diffs {
		var err error
		s, err = Apply(s, d)
		if err != nil {
			return s, fmt.Errorf("diff %d/%d: %w", i+1, len(diffs), err)
		}
	}
	return s, nil
}

// Map converts the payload of a diff, keeping its op and positional fields.
func Map[T, U any](d Diff[T], fn func(T) U) Diff[U] {
	out := Diff[U]{
		Op:     d.Op,
		Index:  d.Index,
		Length: d.Length,
	}
	switch d.Op {
	case OpAppend, OpReset:
		out.Values = make([]U, len(d.Values))
		for i := range d.Values {
			out.Values[i] = fn(d.Values[i])
		}
	case OpPushFront, OpPushBack, OpInsert, OpSet:
		out.Value = fn(d.Value)
	}
	return out
}

func (d Diff[T]) String() string {
	switch d.Op {
	case OpAppend, OpReset:
		return fmt.Sprintf("%s(%d)", d.Op, len(d.Values))
	case OpInsert, OpSet, OpRemove:
		return fmt.Sprintf("%s[%d]", d.Op, d.Index)
	case OpTruncate:
		return fmt.Sprintf("%s(%d)", d.Op, d.Length)
	}
	return string(d.Op)
}
