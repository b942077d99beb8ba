package contract

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/margin-engine/internal/model"
)

// Packed identity layout, most significant field first:
//
//	instrument(2) | underlying(16) | resolution(4) | expiration(24) | strike(32)
//
// The instrument is stored as code-1 so four instruments fit in two bits.
const (
	strikeBits     = 32
	expirationBits = 24
	resolutionBits = 4
	underlyingBits = 16
	instrumentBits = 2

	expirationShift = strikeBits
	resolutionShift = expirationShift + expirationBits
	underlyingShift = resolutionShift + resolutionBits
	instrumentShift = underlyingShift + underlyingBits

	// PackedBits is the total width of a packed identity.
	PackedBits = instrumentShift + instrumentBits
)

// Pack encodes d into its binary identity.
func Pack(d model.Derivative) (*uint256.Int, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedIdentity, err)
	}

	out := new(uint256.Int).SetUint64(uint64(d.Strike))
	out.Or(out, field(uint64(d.Expiration), expirationShift))
	out.Or(out, field(uint64(d.Resolution), resolutionShift))
	out.Or(out, field(uint64(d.Underlying), underlyingShift))
	out.Or(out, field(uint64(d.Instrument-1), instrumentShift))
	return out, nil
}

// Unpack is the inverse of Pack.
func Unpack(x *uint256.Int) (model.Derivative, error) {
	if x == nil || x.BitLen() > PackedBits {
		return model.Derivative{}, fmt.Errorf("%w: packed identity wider than %d bits", ErrMalformedIdentity, PackedBits)
	}

	d := model.Derivative{
		Strike:     uint32(extract(x, 0, strikeBits)),
		Expiration: uint32(extract(x, expirationShift, expirationBits)),
		Resolution: uint8(extract(x, resolutionShift, resolutionBits)),
		Underlying: model.Asset(extract(x, underlyingShift, underlyingBits)),
		Instrument: model.Instrument(extract(x, instrumentShift, instrumentBits) + 1),
	}
	if err := d.Validate(); err != nil {
		return model.Derivative{}, fmt.Errorf("%w: %w", ErrMalformedIdentity, err)
	}
	return d, nil
}

// DecodePacked parses the hex form of a packed identity ("0x" prefixed, as
// produced by Pack(...).Hex()).
func DecodePacked(hex string) (model.Derivative, error) {
	x, err := uint256.FromHex(hex)
	if err != nil {
		return model.Derivative{}, fmt.Errorf("%w: %q: %w", ErrMalformedIdentity, hex, err)
	}
	return Unpack(x)
}

// settlementMask selects the underlying and expiration bits of a packed
// identity.
func settlementMask() *uint256.Int {
	mask := field(1<<underlyingBits-1, underlyingShift)
	return mask.Or(mask, field(1<<expirationBits-1, expirationShift))
}

// MaskSettlement keeps only the underlying and expiration bits of a packed
// identity. Masking two identities that share underlying and expiry yields
// equal values regardless of instrument or strike.
func MaskSettlement(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).And(x, settlementMask())
}

func field(v uint64, shift uint) *uint256.Int {
	x := new(uint256.Int).SetUint64(v)
	return x.Lsh(x, shift)
}

func extract(x *uint256.Int, shift, bits uint) uint64 {
	v := new(uint256.Int).Rsh(x, shift)
	return v.Uint64() & (1<<bits - 1)
}
