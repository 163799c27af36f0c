package main

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

// loadConfigFile applies the [controller] and [spi] keys of an INI file to
// settings whose flag was not given, and reads the [filters] list.
//
//	[controller]
//	oscillator = 40mhz
//	bitrate    = 500000
//	[spi]
//	cs_line  = 8
//	int_line = 25
//	[filters]
//	engine = std:0x100/0x700
//	diag   = ext:0x18DAF110
func loadConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	for _, s := range settings {
		if s.section == "" {
			continue
		}
		if _, ok := set[s.flag]; ok {
			continue
		}
		sec := f.Section(s.section)
		if !sec.HasKey(s.key) {
			continue
		}
		if err := s.apply(c, strings.TrimSpace(sec.Key(s.key).Value())); err != nil {
			return fmt.Errorf("%s: [%s] %s: %w", path, s.section, s.key, err)
		}
	}
	c.filters = c.filters[:0]
	for _, k := range f.Section("filters").Keys() {
		spec, err := parseFilter(k.Name(), k.Value())
		if err != nil {
			return fmt.Errorf("%s: [filters] %w", path, err)
		}
		c.filters = append(c.filters, spec)
	}
	return nil
}

type filterKind uint8

const (
	filterAll filterKind = iota
	filterFormat
	filterID
	filterMask
)

type filterSpec struct {
	name   string
	kind   filterKind
	format mcp2517fd.FrameFormat
	id     uint32 // identifier or acceptance value
	mask   uint32
}

// parseFilter reads one filter definition:
//
//	all                  every frame
//	std | ext            every frame of that format
//	std:ID | ext:ID      one identifier
//	std:ACC/MASK         identifiers equal to ACC on the bits set in MASK
func parseFilter(name, v string) (filterSpec, error) {
	spec := filterSpec{name: name}
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "all" {
		return spec, nil
	}
	format, rest, hasID := strings.Cut(v, ":")
	switch format {
	case "std":
		spec.format = mcp2517fd.Standard
	case "ext":
		spec.format = mcp2517fd.Extended
	default:
		return spec, fmt.Errorf("%s: unknown frame format %q", name, format)
	}
	if !hasID {
		spec.kind = filterFormat
		return spec, nil
	}
	acc, mask, hasMask := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(acc, 0, 32)
	if err != nil {
		return spec, fmt.Errorf("%s: identifier: %w", name, err)
	}
	spec.id = uint32(id)
	spec.kind = filterID
	if hasMask {
		m, err := strconv.ParseUint(mask, 0, 32)
		if err != nil {
			return spec, fmt.Errorf("%s: mask: %w", name, err)
		}
		spec.mask = uint32(m)
		spec.kind = filterMask
	}
	return spec, nil
}

// buildFilters programs specs in order with cb as every filter's callback.
// An empty list accepts every frame.
func buildFilters(specs []filterSpec, cb func(can.Frame)) *mcp2517fd.Filters {
	var f mcp2517fd.Filters
	if len(specs) == 0 {
		f.AppendPassAll(cb)
		return &f
	}
	for _, s := range specs {
		switch s.kind {
		case filterAll:
			f.AppendPassAll(cb)
		case filterFormat:
			f.AppendFormatFilter(s.format, cb)
		case filterID:
			f.AppendFrameFilter(s.format, s.id, cb)
		case filterMask:
			f.AppendFilter(s.format, s.mask, s.id, cb)
		}
	}
	return &f
}
