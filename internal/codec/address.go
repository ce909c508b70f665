package codec

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for addresses that fail length, hex, or
// checksum validation.
var ErrInvalidAddress = errors.New("invalid wallet address")

// Normalize validates an address and returns its canonical lowercase 0x form,
// the universal map key used everywhere in the engine.
//
// All-lowercase and all-uppercase hex inputs are accepted as checksum-agnostic.
// Mixed-case inputs must carry a valid EIP-55 checksum.
func Normalize(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	hexPart := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	lower := strings.ToLower(hexPart)
	upper := strings.ToUpper(hexPart)
	if hexPart != lower && hexPart != upper {
		// Mixed case carries checksum intent; verify it.
		if common.HexToAddress(s).Hex() != "0x"+hexPart {
			return "", ErrInvalidAddress
		}
	}
	return "0x" + lower, nil
}

// Checksum validates an address and returns the EIP-55 checksummed display form.
func Checksum(addr string) (string, error) {
	canonical, err := Normalize(addr)
	if err != nil {
		return "", err
	}
	return common.HexToAddress(canonical).Hex(), nil
}

// MustNormalize is Normalize for inputs already known to be valid, such as
// addresses decoded from chain data.
func MustNormalize(addr string) string {
	canonical, err := Normalize(addr)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(addr))
	}
	return canonical
}
