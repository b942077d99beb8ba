// Package model defines the core domain types shared across the margin engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownAsset is returned for asset codes outside the enumeration.
	ErrUnknownAsset = errors.New("model: unknown asset")

	// ErrUnknownInstrument is returned for instrument codes outside the
	// enumeration. Every instrument switch ends in this error.
	ErrUnknownInstrument = errors.New("model: unknown instrument")

	// ErrInvalidDerivative is returned when a derivative's fields violate
	// the per-instrument layout (e.g. a perpetual with an expiry).
	ErrInvalidDerivative = errors.New("model: invalid derivative")

	// ErrUnknownMarginType is returned when parsing an unrecognised margin type.
	ErrUnknownMarginType = errors.New("model: unknown margin type")
)

// Field limits of the packed derivative identity.
const (
	MaxResolution = 1<<4 - 1
	MaxExpiration = 1<<24 - 1
	MaxAsset      = 1<<16 - 1
)

// SettlementOffset is the time of day at which every dated derivative
// expires and settles: 08:00 UTC.
const SettlementOffset = 8 * time.Hour

// Asset is an enumerated fungible token. Codes are stable for the lifetime
// of the system.
type Asset uint16

const (
	AssetUSDC Asset = 1
	AssetETH  Asset = 2
	AssetBTC  Asset = 3
)

var assetSymbols = map[Asset]string{
	AssetUSDC: "USDC",
	AssetETH:  "ETH",
	AssetBTC:  "BTC",
}

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	_, ok := assetSymbols[a]
	return ok
}

func (a Asset) String() string {
	if s, ok := assetSymbols[a]; ok {
		return s
	}
	return "Asset(" + strconv.Itoa(int(a)) + ")"
}

// MarshalText encodes the asset as its symbol, so assets can key JSON maps.
func (a Asset) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAsset, a)
	}
	return []byte(assetSymbols[a]), nil
}

// UnmarshalText accepts a symbol ("ETH") or a numeric code ("2").
func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAsset resolves a symbol (case-insensitive) or numeric code.
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	for a, sym := range assetSymbols {
		if strings.EqualFold(sym, s) {
			return a, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || !Asset(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, s)
	}
	return Asset(n), nil
}

// Instrument is the contract kind of a derivative.
type Instrument uint8

const (
	InstrumentPerpetual Instrument = 1
	InstrumentFuture    Instrument = 2
	InstrumentCall      Instrument = 3
	InstrumentPut       Instrument = 4
)

func (i Instrument) String() string {
	switch i {
	case InstrumentPerpetual:
		return "PERPETUAL"
	case InstrumentFuture:
		return "FUTURE"
	case InstrumentCall:
		return "CALL"
	case InstrumentPut:
		return "PUT"
	default:
		return "Instrument(" + strconv.Itoa(int(i)) + ")"
	}
}

// Valid reports whether i is a known instrument.
func (i Instrument) Valid() bool {
	return i >= InstrumentPerpetual && i <= InstrumentPut
}

// IsOption reports whether i is a call or a put.
func (i Instrument) IsOption() bool {
	return i == InstrumentCall || i == InstrumentPut
}

func (i Instrument) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInstrument, i)
	}
	return []byte(i.String()), nil
}

func (i *Instrument) UnmarshalText(text []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(text)))
	for c := InstrumentPerpetual; c <= InstrumentPut; c++ {
		if c.String() == s {
			*i = c
			return nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Instrument(n).Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownInstrument, s)
	}
	*i = Instrument(n)
	return nil
}

// Derivative is the immutable descriptor of a tradable contract.
// Perpetuals carry Expiration=0 and Strike=0; futures carry Strike=0.
type Derivative struct {
	Instrument Instrument `json:"instrument"`
	Underlying Asset      `json:"underlying"`
	Resolution uint8      `json:"resolution"` // decimal scaling exponent
	Expiration uint32     `json:"expiration"` // days since epoch, 0 = never
	Strike     uint32     `json:"strike"`
}

// Validate checks enum ranges, field widths and the per-instrument layout.
func (d Derivative) Validate() error {
	if !d.Underlying.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, d.Underlying)
	}
	if d.Resolution > MaxResolution {
		return fmt.Errorf("%w: resolution %d exceeds %d", ErrInvalidDerivative, d.Resolution, MaxResolution)
	}
	if d.Expiration > MaxExpiration {
		return fmt.Errorf("%w: expiration %d exceeds %d", ErrInvalidDerivative, d.Expiration, MaxExpiration)
	}

	switch d.Instrument {
	case InstrumentPerpetual:
		if d.Expiration != 0 || d.Strike != 0 {
			return fmt.Errorf("%w: perpetual must not carry expiry or strike", ErrInvalidDerivative)
		}
	case InstrumentFuture:
		if d.Expiration == 0 {
			return fmt.Errorf("%w: future requires an expiry", ErrInvalidDerivative)
		}
		if d.Strike != 0 {
			return fmt.Errorf("%w: future must not carry a strike", ErrInvalidDerivative)
		}
	case InstrumentCall, InstrumentPut:
		if d.Expiration == 0 {
			return fmt.Errorf("%w: option requires an expiry", ErrInvalidDerivative)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownInstrument, d.Instrument)
	}
	return nil
}

// ExpiresAt returns the settlement instant, 08:00 UTC on the expiration day.
// It is the zero time for perpetuals.
func (d Derivative) ExpiresAt() time.Time {
	if d.Expiration == 0 {
		return time.Time{}
	}
	day := time.Unix(int64(d.Expiration)*86400, 0).UTC()
	return day.Add(SettlementOffset)
}

// SettlementKey is the part of the identity that settlement prices are
// published against.
func (d Derivative) SettlementKey() SettlementKey {
	return SettlementKey{Underlying: d.Underlying, Expiration: d.Expiration}
}

// SettlementKey identifies "this underlying at this expiry". Every future
// and option sharing underlying and expiry settles against the same price.
type SettlementKey struct {
	Underlying Asset
	Expiration uint32
}

func (k SettlementKey) String() string {
	return strconv.Itoa(int(k.Underlying)) + ":" + strconv.FormatUint(uint64(k.Expiration), 10)
}

func (k SettlementKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SettlementKey) UnmarshalText(text []byte) error {
	underlying, expiration, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("model: invalid settlement key %q", text)
	}
	a, err := ParseAsset(underlying)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseUint(expiration, 10, 32)
	if err != nil || exp > MaxExpiration {
		return fmt.Errorf("model: invalid settlement expiry %q", expiration)
	}
	k.Underlying = a
	k.Expiration = uint32(exp)
	return nil
}

// MarginType selects between the threshold for opening new risk (initial)
// and the threshold for staying open (maintenance).
type MarginType uint8

const (
	MarginInitial     MarginType = 1
	MarginMaintenance MarginType = 2
)

func (m MarginType) String() string {
	switch m {
	case MarginInitial:
		return "initial"
	case MarginMaintenance:
		return "maintenance"
	default:
		return "MarginType(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMarginType parses "initial" or "maintenance".
func ParseMarginType(s string) (MarginType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initial":
		return MarginInitial, nil
	case "maintenance":
		return MarginMaintenance, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMarginType, s)
	}
}
