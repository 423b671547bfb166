package types

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

const AddressSize = tmhash.TruncatedSize

// Address is the 0x-prefixed lower-case hex of the truncated hash of a
// validator's public key. It is a string so it can key maps and sort
// deterministically.
type Address string

func AddressFromPubKey(pub []byte) Address {
	return Address("0x" + hex.EncodeToString(tmhash.SumTruncated(pub)))
}

func (addr Address) String() string {
	return string(addr)
}

func (addr Address) IsEmpty() bool {
	return addr == ""
}

func (addr Address) Equal(other Address) bool {
	if addr.IsEmpty() || other.IsEmpty() {
		return false
	}
	return strings.EqualFold(string(addr), string(other))
}

// ValidateBasic checks the address is well formed.
func (addr Address) ValidateBasic() error {
	s := string(addr)
	if !strings.HasPrefix(s, "0x") {
		return errors.Errorf("address %q has no 0x prefix", s)
	}
	bz, err := hex.DecodeString(s[2:])
	if err != nil {
		return errors.Wrapf(err, "address %q is not hex", s)
	}
	if len(bz) != AddressSize {
		return errors.Errorf("address %q has wrong size %d", s, len(bz))
	}
	if strings.ToLower(s) != s {
		return errors.Errorf("address %q is not lower case", s)
	}
	return nil
}

type Addresses []Address

func (a Addresses) Len() int           { return len(a) }
func (a Addresses) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a Addresses) Less(i, j int) bool { return a[i] < a[j] }
