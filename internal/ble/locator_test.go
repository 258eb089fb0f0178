package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

const locatorScanWindow = 50 * time.Millisecond

func TestLocateExactAddressStopsScan(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "PICKSMART-1", RSSI: -80},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "other", RSSI: -40},
		{Address: "AA:AA:AA:AA:AA:03", LocalName: "PICKSMART-2", RSSI: -30},
	}}

	desc, err := Locate(context.Background(), adapter, "aa:aa:aa:aa:aa:02", locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != "AA:AA:AA:AA:AA:02" {
		t.Errorf("Address = %q, want AA:AA:AA:AA:AA:02", desc.Address)
	}
	if desc.MatchedBy != MatchExactAddress {
		t.Errorf("MatchedBy = %s, want exact-address", desc.MatchedBy)
	}
	// The exact match is the second advertisement; the third must never
	// have been consumed.
	if got := adapter.deliveredCount(); got != 2 {
		t.Errorf("scan consumed %d advertisements, want 2", got)
	}
}

func TestLocateExactNameBeatsSubstring(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "PICKSMART-EXTRA", RSSI: -30},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "PICKSMART", RSSI: -90},
	}}

	desc, err := Locate(context.Background(), adapter, "PICKSMART", locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != "AA:AA:AA:AA:AA:02" {
		t.Errorf("Address = %q, want the exact-name device despite weaker signal", desc.Address)
	}
	if desc.MatchedBy != MatchExactName {
		t.Errorf("MatchedBy = %s, want exact-name", desc.MatchedBy)
	}
}

func TestLocateExactAddressOutranksEarlierExactName(t *testing.T) {
	// One device advertises the identifier as its name before another
	// advertises it as its address; the address match must win even
	// though the name match was seen first.
	id := "AA:AA:AA:AA:AA:09"
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: id, RSSI: -30},
		{Address: id, LocalName: "PICKSMART-9", RSSI: -80},
	}}

	desc, err := Locate(context.Background(), adapter, id, locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != id {
		t.Errorf("Address = %q, want the exact-address device %q", desc.Address, id)
	}
	if desc.MatchedBy != MatchExactAddress {
		t.Errorf("MatchedBy = %s, want exact-address", desc.MatchedBy)
	}
}

func TestLocateSubstringPicksStrongestRSSI(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "PICKSMART-A1", RSSI: -75},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "PICKSMART-B2", RSSI: -60},
		{Address: "AA:AA:AA:AA:AA:03", LocalName: "unrelated", RSSI: -10},
	}}

	desc, err := Locate(context.Background(), adapter, "picksmart", locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != "AA:AA:AA:AA:AA:02" {
		t.Errorf("Address = %q, want the -60 dBm device", desc.Address)
	}
	if desc.MatchedBy != MatchSubstring {
		t.Errorf("MatchedBy = %s, want substring", desc.MatchedBy)
	}
}

func TestLocateSubstringKeepsStrongestRepeat(t *testing.T) {
	// The same device heard twice; the stronger reading wins the
	// comparison against the other candidate.
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "GICISKY-1", RSSI: -90},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "GICISKY-2", RSSI: -70},
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "GICISKY-1", RSSI: -50},
	}}

	desc, err := Locate(context.Background(), adapter, "GICISKY", locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != "AA:AA:AA:AA:AA:01" {
		t.Errorf("Address = %q, want AA:AA:AA:AA:AA:01", desc.Address)
	}
}

func TestLocateAmbiguousTie(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "ESL-1", RSSI: -60},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "ESL-2", RSSI: -60},
	}}

	_, err := Locate(context.Background(), adapter, "ESL", locatorScanWindow)
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("Locate() error = %v, want ErrAmbiguousMatch", err)
	}
}

func TestLocateNotFound(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "thermostat", RSSI: -40},
	}}

	_, err := Locate(context.Background(), adapter, "PICKSMART", locatorScanWindow)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate() error = %v, want ErrNotFound", err)
	}
}

func TestLocateEmptyIdentifierUsesVendorPattern(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "kitchen speaker", RSSI: -20},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "Gicisky eink 2.9", RSSI: -65},
	}}

	desc, err := Locate(context.Background(), adapter, "", locatorScanWindow)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if desc.Address != "AA:AA:AA:AA:AA:02" {
		t.Errorf("Address = %q, want the vendor-named device", desc.Address)
	}
	if desc.MatchedBy != MatchVendorPattern {
		t.Errorf("MatchedBy = %s, want vendor-pattern", desc.MatchedBy)
	}
}

func TestLocateNamelessAdvertisementNeverVendorMatches(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "", RSSI: -10},
	}}

	_, err := Locate(context.Background(), adapter, "", locatorScanWindow)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate() error = %v, want ErrNotFound", err)
	}
}

func TestEnumerateVendorFilters(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "headphones", RSSI: -40},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "ESL-TAG", RSSI: -55},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "ESL-TAG", RSSI: -45},
	}}

	devices, err := EnumerateVendor(context.Background(), adapter, locatorScanWindow)
	if err != nil {
		t.Fatalf("EnumerateVendor() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].RSSI != -45 {
		t.Errorf("RSSI = %d, want the stronger -45 reading", devices[0].RSSI)
	}
}

func TestEnumerateAllDeduplicates(t *testing.T) {
	adapter := &mockAdapter{advertisements: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "a", RSSI: -40},
		{Address: "AA:AA:AA:AA:AA:01", LocalName: "a", RSSI: -42},
		{Address: "AA:AA:AA:AA:AA:02", LocalName: "b", RSSI: -50},
	}}

	devices, err := EnumerateAll(context.Background(), adapter, locatorScanWindow)
	if err != nil {
		t.Fatalf("EnumerateAll() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
}

func TestMatchStrategyString(t *testing.T) {
	if MatchVendorPattern.String() != "vendor-pattern" {
		t.Errorf("String() = %q", MatchVendorPattern.String())
	}
}
