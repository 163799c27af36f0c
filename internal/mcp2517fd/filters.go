package mcp2517fd

import (
	"github.com/kstaniek/go-mcp2517fd/internal/can"
)

// FrameFormat selects standard (11-bit) or extended (29-bit) identifiers.
type FrameFormat uint8

const (
	Standard FrameFormat = iota
	Extended
)

// FilterStatus reports the first filter definition error.
type FilterStatus uint8

const (
	FiltersOK FilterStatus = iota
	StandardIdentifierTooLarge
	ExtendedIdentifierTooLarge
	InconsistencyBetweenMaskAndAcceptance
)

func (s FilterStatus) String() string {
	switch s {
	case FiltersOK:
		return "ok"
	case StandardIdentifierTooLarge:
		return "standard identifier too large"
	case ExtendedIdentifierTooLarge:
		return "extended identifier too large"
	case InconsistencyBetweenMaskAndAcceptance:
		return "inconsistency between mask and acceptance"
	}
	return "unknown"
}

// Filter is one acceptance filter as programmed into the controller.
type Filter struct {
	Mask       uint32
	Acceptance uint32
	Callback   func(can.Frame)
}

// Filters collects acceptance filters in controller order: the k-th appended
// filter is programmed into filter object k and its index is reported in
// received frames.
type Filters struct {
	list       []Filter
	status     FilterStatus
	errorIndex int
}

// Count returns the number of appended filters, including erroneous ones.
func (f *Filters) Count() int { return len(f.list) }

// Status returns FiltersOK or the first definition error.
func (f *Filters) Status() FilterStatus { return f.status }

// ErrorIndex returns the index of the filter that set Status.
func (f *Filters) ErrorIndex() int { return f.errorIndex }

// At returns filter k.
func (f *Filters) At(k int) Filter { return f.list[k] }

func (f *Filters) add(mask, acceptance uint32, cb func(can.Frame), st FilterStatus) {
	if st != FiltersOK && f.status == FiltersOK {
		f.status = st
		f.errorIndex = len(f.list)
	}
	f.list = append(f.list, Filter{Mask: mask, Acceptance: acceptance, Callback: cb})
}

// AppendPassAll accepts every frame.
func (f *Filters) AppendPassAll(cb func(can.Frame)) {
	f.add(0, 0, cb, FiltersOK)
}

// AppendFormatFilter accepts every frame of the given format.
func (f *Filters) AppendFormatFilter(format FrameFormat, cb func(can.Frame)) {
	var acc uint32
	if format == Extended {
		acc = filterIDE
	}
	f.add(filterIDE, acc, cb, FiltersOK)
}

// AppendFrameFilter accepts exactly one identifier of the given format.
func (f *Filters) AppendFrameFilter(format FrameFormat, id uint32, cb func(can.Frame)) {
	if format == Extended {
		st := FiltersOK
		if id > can.CAN_EFF_MASK {
			st = ExtendedIdentifierTooLarge
		}
		f.add(filterIDE|ReorderExtended(can.CAN_EFF_MASK), filterIDE|ReorderExtended(id), cb, st)
		return
	}
	st := FiltersOK
	if id > can.CAN_SFF_MASK {
		st = StandardIdentifierTooLarge
	}
	f.add(filterIDE|can.CAN_SFF_MASK, id, cb, st)
}

// AppendFilter accepts frames of the given format whose identifier equals
// acceptance on every bit set in mask. acceptance must not have bits outside
// mask.
func (f *Filters) AppendFilter(format FrameFormat, mask, acceptance uint32, cb func(can.Frame)) {
	st := FiltersOK
	limit := uint32(can.CAN_SFF_MASK)
	tooLarge := StandardIdentifierTooLarge
	if format == Extended {
		limit = can.CAN_EFF_MASK
		tooLarge = ExtendedIdentifierTooLarge
	}
	switch {
	case mask > limit || acceptance > limit:
		st = tooLarge
	case acceptance&mask != acceptance:
		st = InconsistencyBetweenMaskAndAcceptance
	}
	if format == Extended {
		f.add(filterIDE|ReorderExtended(mask), filterIDE|ReorderExtended(acceptance), cb, st)
		return
	}
	f.add(filterIDE|mask, acceptance, cb, st)
}
