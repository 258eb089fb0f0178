package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	appLog "tagcal/internal/log"
)

// MatchStrategy records which locator strategy produced a match.
// Strategies are tried in declared order; a lower value wins.
type MatchStrategy int

const (
	MatchExactAddress MatchStrategy = iota
	MatchExactName
	MatchSubstring
	MatchVendorPattern
)

func (m MatchStrategy) String() string {
	switch m {
	case MatchExactAddress:
		return "exact-address"
	case MatchExactName:
		return "exact-name"
	case MatchSubstring:
		return "substring"
	case MatchVendorPattern:
		return "vendor-pattern"
	default:
		return "unknown"
	}
}

// DeviceDescriptor is a scan-scoped lookup result. It is never cached
// beyond one connection attempt; addresses and names go stale.
type DeviceDescriptor struct {
	Address   string
	Name      string
	RSSI      int16
	MatchedBy MatchStrategy
}

// candidate tracks the best advertisement seen for one address under
// its strongest (lowest-ordered) strategy.
type candidate struct {
	adv      Advertisement
	strategy MatchStrategy
}

// Locate resolves identifier to a reachable peripheral within one scan
// pass bounded by scanTimeout.
//
// Strategy order: exact address, exact advertised name, case-insensitive
// substring, and (for an empty identifier) the vendor name allow-list.
// An exact address match stops the scan immediately; an exact name
// match is latched and the scan continues, since an address match
// would outrank it. Pattern matches accumulate until the deadline and
// the strongest RSSI wins. An RSSI tie fails with ErrAmbiguousMatch
// rather than guessing.
func Locate(ctx context.Context, adapter Adapter, identifier string, scanTimeout time.Duration) (DeviceDescriptor, error) {
	if err := adapter.Enable(); err != nil {
		return DeviceDescriptor{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	seen := make(map[string]candidate)
	var exact *DeviceDescriptor

	err := adapter.Scan(scanCtx, func(adv Advertisement) bool {
		strategy, ok := matchStrategy(identifier, adv)
		if !ok {
			return false
		}

		appLog.Debug("scan match",
			"address", adv.Address,
			"name", adv.LocalName,
			"rssi", adv.RSSI,
			"strategy", strategy.String(),
		)

		if strategy == MatchExactAddress || strategy == MatchExactName {
			if exact == nil || strategy < exact.MatchedBy {
				exact = &DeviceDescriptor{
					Address:   adv.Address,
					Name:      adv.LocalName,
					RSSI:      adv.RSSI,
					MatchedBy: strategy,
				}
			}
			// An address match cannot be outranked; a name match keeps
			// scanning in case an address match turns up.
			return strategy == MatchExactAddress
		}

		prev, dup := seen[adv.Address]
		if !dup || strategy < prev.strategy || (strategy == prev.strategy && adv.RSSI > prev.adv.RSSI) {
			seen[adv.Address] = candidate{adv: adv, strategy: strategy}
		}
		return false
	})
	if err != nil && scanCtx.Err() == nil {
		return DeviceDescriptor{}, fmt.Errorf("ble: scan: %w", err)
	}

	if exact != nil {
		return *exact, nil
	}

	return pickCandidate(identifier, seen)
}

// EnumerateAll lists every visible device within the scan window.
// Operator tooling only.
func EnumerateAll(ctx context.Context, adapter Adapter, scanTimeout time.Duration) ([]Advertisement, error) {
	return enumerate(ctx, adapter, scanTimeout, func(Advertisement) bool { return true })
}

// EnumerateVendor lists only devices whose advertised name matches the
// vendor allow-list.
func EnumerateVendor(ctx context.Context, adapter Adapter, scanTimeout time.Duration) ([]Advertisement, error) {
	return enumerate(ctx, adapter, scanTimeout, matchesVendorToken)
}

func enumerate(ctx context.Context, adapter Adapter, scanTimeout time.Duration, keep func(Advertisement) bool) ([]Advertisement, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	seen := make(map[string]Advertisement)
	order := make([]string, 0)

	err := adapter.Scan(scanCtx, func(adv Advertisement) bool {
		if !keep(adv) {
			return false
		}
		if prev, dup := seen[adv.Address]; dup {
			if adv.RSSI > prev.RSSI {
				seen[adv.Address] = adv
			}
			return false
		}
		seen[adv.Address] = adv
		order = append(order, adv.Address)
		return false
	})
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	out := make([]Advertisement, 0, len(order))
	for _, addr := range order {
		out = append(out, seen[addr])
	}
	return out, nil
}

// matchStrategy classifies one advertisement against the identifier.
func matchStrategy(identifier string, adv Advertisement) (MatchStrategy, bool) {
	if identifier == "" {
		if matchesVendorToken(adv) {
			return MatchVendorPattern, true
		}
		return 0, false
	}

	if strings.EqualFold(identifier, adv.Address) {
		return MatchExactAddress, true
	}
	if adv.LocalName != "" && identifier == adv.LocalName {
		return MatchExactName, true
	}
	if adv.LocalName != "" && strings.Contains(strings.ToUpper(adv.LocalName), strings.ToUpper(identifier)) {
		return MatchSubstring, true
	}
	return 0, false
}

func matchesVendorToken(adv Advertisement) bool {
	if adv.LocalName == "" {
		return false
	}
	name := strings.ToUpper(adv.LocalName)
	for _, token := range vendorNameTokens {
		if strings.Contains(name, token) {
			return true
		}
	}
	return false
}

// pickCandidate resolves accumulated pattern matches after the scan
// window closes.
func pickCandidate(identifier string, seen map[string]candidate) (DeviceDescriptor, error) {
	best := MatchVendorPattern + 1
	for _, c := range seen {
		if c.strategy < best {
			best = c.strategy
		}
	}
	if best > MatchVendorPattern {
		return DeviceDescriptor{}, fmt.Errorf("%w: identifier %q", ErrNotFound, identifier)
	}

	var (
		winner Advertisement
		found  bool
		tied   bool
	)
	for _, c := range seen {
		if c.strategy != best {
			continue
		}
		switch {
		case !found:
			winner, found = c.adv, true
		case c.adv.RSSI > winner.RSSI:
			winner, tied = c.adv, false
		case c.adv.RSSI == winner.RSSI:
			tied = true
		}
	}

	if tied {
		return DeviceDescriptor{}, fmt.Errorf("%w: identifier %q matched multiple devices at equal signal strength", ErrAmbiguousMatch, identifier)
	}

	return DeviceDescriptor{
		Address:   winner.Address,
		Name:      winner.LocalName,
		RSSI:      winner.RSSI,
		MatchedBy: best,
	}, nil
}
