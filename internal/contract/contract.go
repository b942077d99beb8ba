// Package contract handles derivative identity encoding: the canonical
// string identity used as a map key everywhere in the engine, its inverse,
// and the settlement key derived from it.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/atmx/margin-engine/internal/model"
)

// identityRegex matches: {instrument}:{underlying}:{resolution}:{expiration}:{strike}
// Example: 3:2:4:19345:1200
var identityRegex = regexp.MustCompile(
	`^(\d{1,3}):(\d{1,5}):(\d{1,3}):(\d{1,8}):(\d{1,10})$`,
)

// ErrMalformedIdentity is returned when an identity cannot be decoded into
// a valid derivative.
var ErrMalformedIdentity = errors.New("contract: malformed derivative identity")

// Encode returns the canonical identity of d. Two derivatives with equal
// fields always encode identically.
func Encode(d model.Derivative) string {
	return strconv.Itoa(int(d.Instrument)) + ":" +
		strconv.Itoa(int(d.Underlying)) + ":" +
		strconv.Itoa(int(d.Resolution)) + ":" +
		strconv.FormatUint(uint64(d.Expiration), 10) + ":" +
		strconv.FormatUint(uint64(d.Strike), 10)
}

// EncodeAsset returns the key under which spot prices for a are quoted in
// the market and moving-average maps.
func EncodeAsset(a model.Asset) string {
	return strconv.Itoa(int(a))
}

// Decode parses and validates an identity produced by Encode.
// Format: {instrument}:{underlying}:{resolution}:{expiration}:{strike}
func Decode(id string) (model.Derivative, error) {
	matches := identityRegex.FindStringSubmatch(id)
	if matches == nil {
		return model.Derivative{}, fmt.Errorf("%w: %q (expected instrument:underlying:resolution:expiration:strike)",
			ErrMalformedIdentity, id)
	}

	instrument, err := strconv.ParseUint(matches[1], 10, 8)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: instrument %s", ErrMalformedIdentity, matches[1])
	}
	underlying, err := strconv.ParseUint(matches[2], 10, 16)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: underlying %s", ErrMalformedIdentity, matches[2])
	}
	resolution, err := strconv.ParseUint(matches[3], 10, 8)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: resolution %s", ErrMalformedIdentity, matches[3])
	}
	expiration, err := strconv.ParseUint(matches[4], 10, 32)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: expiration %s", ErrMalformedIdentity, matches[4])
	}
	strike, err := strconv.ParseUint(matches[5], 10, 32)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: strike %s", ErrMalformedIdentity, matches[5])
	}

	d := model.Derivative{
		Instrument: model.Instrument(instrument),
		Underlying: model.Asset(underlying),
		Resolution: uint8(resolution),
		Expiration: uint32(expiration),
		Strike:     uint32(strike),
	}
	if err := d.Validate(); err != nil {
		return model.Derivative{}, fmt.Errorf("%w: %q: %w", ErrMalformedIdentity, id, err)
	}

	// Leading zeros would give one derivative two identities.
	if Encode(d) != id {
		return model.Derivative{}, fmt.Errorf("%w: %q is not canonical", ErrMalformedIdentity, id)
	}
	return d, nil
}

// SettlementKey returns the underlying+expiry key that id settles against.
// Strike and instrument subtype do not participate.
func SettlementKey(id string) (model.SettlementKey, error) {
	d, err := Decode(id)
	if err != nil {
		return model.SettlementKey{}, err
	}
	return d.SettlementKey(), nil
}

// MustEncode validates d and encodes it. Intended for fixtures.
func MustEncode(d model.Derivative) string {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return Encode(d)
}
