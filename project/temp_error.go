// Latched thermal error state
//
// The error word is the only datum shared between the two tick contexts, so
// it lives behind a single atomic word exactly like the packed bitfield it
// replaces.
package project

import (
	"sync/atomic"
)

type TempErrorSource uint8

const (
	TempErrorSourceHotend TempErrorSource = iota
	TempErrorSourceBed
	TempErrorSourceAmbient
)

func (s TempErrorSource) String() string {
	switch s {
	case TempErrorSourceHotend:
		return "hotend"
	case TempErrorSourceBed:
		return "bed"
	case TempErrorSourceAmbient:
		return "ambient"
	}
	return "?"
}

// TempErrorType is ordered by decreasing priority.
type TempErrorType uint8

const (
	TempErrorTypeMax TempErrorType = iota
	TempErrorTypeMin
	TempErrorTypePreheat
	TempErrorTypeRunaway
	TempErrorTypeModel
)

func (t TempErrorType) String() string {
	switch t {
	case TempErrorTypeMax:
		return "max"
	case TempErrorTypeMin:
		return "min"
	case TempErrorTypePreheat:
		return "preheat"
	case TempErrorTypeRunaway:
		return "runaway"
	case TempErrorTypeModel:
		return "model"
	}
	return "?"
}

type TempError struct {
	Present  bool
	Asserted bool
	Source   TempErrorSource
	Index    uint8
	Type     TempErrorType
}

const (
	errBitPresent  = 1 << 0
	errBitAssert   = 1 << 1
	errShiftSource = 2
	errShiftIndex  = 4
	errShiftType   = 6
	errMaskSource  = 0x3 << errShiftSource
	errMaskIndex   = 0x3 << errShiftIndex
	errMaskType    = 0x7 << errShiftType
)

// TempErrorState is the latched fault word. Detectors only raise or
// re-assert; clearing is reserved for the foreground handler (Model) or an
// explicit restart.
type TempErrorState struct {
	word atomic.Uint32
}

func pack(source TempErrorSource, index uint8, errType TempErrorType) uint32 {
	return uint32(source)<<errShiftSource | uint32(index)<<errShiftIndex | uint32(errType)<<errShiftType
}

// Raise latches the error. The identity fields update only when no error is
// latched yet or the new type has strictly higher priority; the present and
// assert bits always set. Returns true on the first latch since clear.
func (self *TempErrorState) Raise(source TempErrorSource, index uint8, errType TempErrorType) bool {
	for {
		old := self.word.Load()
		first := old&errBitPresent == 0
		next := old
		if first || uint32(errType) < (old&errMaskType)>>errShiftType {
			next = pack(source, index, errType)
		}
		next |= errBitPresent | errBitAssert
		if self.word.CompareAndSwap(old, next) {
			return first
		}
	}
}

// Clear_assert drops the assert bit at the start of every manager tick so the
// detectors re-prove the condition.
func (self *TempErrorState) Clear_assert() {
	for {
		old := self.word.Load()
		if self.word.CompareAndSwap(old, old&^uint32(errBitAssert)) {
			return
		}
	}
}

// Clear wipes the whole word. Only the Model de-assertion path and explicit
// operator recovery may do this.
func (self *TempErrorState) Clear() {
	self.word.Store(0)
}

func (self *TempErrorState) Present() bool {
	return self.word.Load()&errBitPresent != 0
}

func (self *TempErrorState) Get() TempError {
	w := self.word.Load()
	return TempError{
		Present:  w&errBitPresent != 0,
		Asserted: w&errBitAssert != 0,
		Source:   TempErrorSource((w & errMaskSource) >> errShiftSource),
		Index:    uint8((w & errMaskIndex) >> errShiftIndex),
		Type:     TempErrorType((w & errMaskType) >> errShiftType),
	}
}
