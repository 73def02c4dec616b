package auction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLen is the size of a participant identifier (an ed25519 public key).
const AddressLen = 32

// Address identifies a participant: buyer, seller, oracle, council member or
// the authority. The canonical text form is base58, matching the wallet keys
// it derives from.
type Address [AddressLen]byte

// ParseAddress decodes the base58 form.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(raw) != AddressLen {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressLen, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

// MarshalJSON writes the base58 form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON reads the base58 form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("address must be a base58 string: %w", err)
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Less orders addresses by raw bytes. Used as the final tie-break wherever
// iteration order must be deterministic.
func (a Address) Less(b Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
