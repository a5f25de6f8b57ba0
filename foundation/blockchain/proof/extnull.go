package proof

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Version1 is the only external nullifier encoding version accepted.
const Version1 uint8 = 1

// ExternalNullifier scopes a proof to an application and a calendar month.
// The on-chain encoding packs the fields into a single integer as
// version | appID<<8 | month<<24 | year<<32.
type ExternalNullifier struct {
	Version uint8
	AppID   uint16
	Month   uint8
	Year    uint16
}

// NewExternalNullifier constructs a version 1 external nullifier for the
// month containing the specified time in UTC.
func NewExternalNullifier(appID uint16, t time.Time) ExternalNullifier {
	t = t.UTC()

	return ExternalNullifier{
		Version: Version1,
		AppID:   appID,
		Month:   uint8(t.Month()),
		Year:    uint16(t.Year()),
	}
}

// DecodeExternalNullifier unpacks the on-chain integer form.
func DecodeExternalNullifier(v uint256.Int) (ExternalNullifier, error) {
	if v.BitLen() > 48 {
		return ExternalNullifier{}, fmt.Errorf("%w: external nullifier has %d bits", ErrMalformed, v.BitLen())
	}

	raw := v.Uint64()
	en := ExternalNullifier{
		Version: uint8(raw),
		AppID:   uint16(raw >> 8),
		Month:   uint8(raw >> 24),
		Year:    uint16(raw >> 32),
	}

	if en.Month < 1 || en.Month > 12 {
		return ExternalNullifier{}, fmt.Errorf("%w: external nullifier month %d", ErrMalformed, en.Month)
	}

	return en, nil
}

// Encode packs the external nullifier into its on-chain integer form.
func (en ExternalNullifier) Encode() uint256.Int {
	raw := uint64(en.Version) |
		uint64(en.AppID)<<8 |
		uint64(en.Month)<<24 |
		uint64(en.Year)<<32

	var v uint256.Int
	v.SetUint64(raw)

	return v
}

// Window returns the calendar month the nullifier is scoped to.
func (en ExternalNullifier) Window() Window {
	return Window(uint32(en.Year)*12 + uint32(en.Month) - 1)
}

// String implements the Stringer interface for logging.
func (en ExternalNullifier) String() string {
	return fmt.Sprintf("v%d-%d-%02d-%d", en.Version, en.AppID, en.Month, en.Year)
}

// =============================================================================

// Window identifies a calendar month in UTC as year*12 + month-1.
type Window uint32

// WindowOf returns the window containing the specified time.
func WindowOf(t time.Time) Window {
	t = t.UTC()
	return Window(uint32(t.Year())*12 + uint32(t.Month()) - 1)
}

// Start returns the first instant of the window.
func (w Window) Start() time.Time {
	return time.Date(int(w/12), time.Month(w%12+1), 1, 0, 0, 0, 0, time.UTC)
}

// String implements the Stringer interface for logging.
func (w Window) String() string {
	return fmt.Sprintf("%04d-%02d", w/12, w%12+1)
}
