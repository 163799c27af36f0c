package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/mcp2517fd"
)

const sampleINI = `
[controller]
oscillator = 20mhz
bitrate    = 250000
txq_size   = 4
tx_route   = txq
strategy   = inline

[spi]
cs_line  = 7
int_line = -1

[filters]
engine = std:0x100/0x700
diag   = ext:0x18DAF110
rest   = all
`

func writeINI(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gw.ini")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write ini: %v", err)
	}
	return p
}

func TestLoadConfigFile(t *testing.T) {
	c := defaultConfig()
	if err := loadConfigFile(c, writeINI(t, sampleINI), map[string]struct{}{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.oscillator != "20mhz" || c.bitRate != 250_000 || c.txqSize != 4 || c.txRoute != "txq" || c.strategy != "inline" {
		t.Fatalf("controller section not applied: %+v", c)
	}
	if c.csLine != 7 || c.intLine != -1 {
		t.Fatalf("spi section not applied: cs=%d int=%d", c.csLine, c.intLine)
	}
	if len(c.filters) != 3 {
		t.Fatalf("filters %d", len(c.filters))
	}
	if f := c.filters[0]; f.name != "engine" || f.kind != filterMask || f.id != 0x100 || f.mask != 0x700 {
		t.Fatalf("engine filter %+v", f)
	}
	if f := c.filters[1]; f.kind != filterID || f.format != mcp2517fd.Extended || f.id != 0x18DAF110 {
		t.Fatalf("diag filter %+v", f)
	}
	if c.filters[2].kind != filterAll {
		t.Fatalf("rest filter %+v", c.filters[2])
	}
}

func TestPrecedenceFlagEnvFile(t *testing.T) {
	p := writeINI(t, sampleINI)
	t.Setenv("MCP2517FD_GW_BITRATE", "125000")
	t.Setenv("MCP2517FD_GW_POLL_INTERVAL", "1ms")
	c, _, err := parseFlags([]string{"-config", p, "-oscillator", "40mhz"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.oscillator != "40mhz" {
		t.Fatalf("flag must win over file: %s", c.oscillator)
	}
	if c.bitRate != 125_000 {
		t.Fatalf("env must win over file: %d", c.bitRate)
	}
	if c.txqSize != 4 {
		t.Fatalf("file must win over default: %d", c.txqSize)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	for name, body := range map[string]string{
		"badInt":    "[controller]\nbitrate = fast\n",
		"badFormat": "[filters]\nx = fd:0x1\n",
		"badID":     "[filters]\nx = std:zz\n",
		"badMask":   "[filters]\nx = std:0x1/qq\n",
	} {
		if err := loadConfigFile(defaultConfig(), writeINI(t, body), map[string]struct{}{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := loadConfigFile(defaultConfig(), filepath.Join(t.TempDir(), "missing.ini"), nil); err == nil {
		t.Fatalf("missing file: expected error")
	}
}

func TestBuildFilters(t *testing.T) {
	specs := []filterSpec{
		{kind: filterID, format: mcp2517fd.Standard, id: 0x123},
		{kind: filterFormat, format: mcp2517fd.Extended},
		{kind: filterMask, format: mcp2517fd.Standard, id: 0x100, mask: 0x700},
	}
	var got []can.Frame
	f := buildFilters(specs, func(fr can.Frame) { got = append(got, fr) })
	if f.Count() != 3 || f.Status() != mcp2517fd.FiltersOK {
		t.Fatalf("count %d status %v", f.Count(), f.Status())
	}
	if a := f.At(0); a.Acceptance != 0x123 {
		t.Fatalf("exact filter acceptance 0x%X", a.Acceptance)
	}
	f.At(2).Callback(can.Frame{ID: 1})
	if len(got) != 1 {
		t.Fatalf("callback not installed")
	}

	bad := buildFilters([]filterSpec{{kind: filterID, format: mcp2517fd.Standard, id: 0x800}}, nil)
	if bad.Status() != mcp2517fd.StandardIdentifierTooLarge {
		t.Fatalf("expected StandardIdentifierTooLarge, got %v", bad.Status())
	}
}

func TestBuildFiltersDefaultsToPassAll(t *testing.T) {
	f := buildFilters(nil, nil)
	if f.Count() != 1 {
		t.Fatalf("count %d", f.Count())
	}
	if a := f.At(0); a.Mask != 0 || a.Acceptance != 0 {
		t.Fatalf("pass-all filter %+v", a)
	}
}
