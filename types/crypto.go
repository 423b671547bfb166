package types

import (
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

// Suite is the signature suite for votes, proposals and transactions.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

var (
	ErrInvalidPubKey    = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAddressMismatch  = errors.New("address does not match public key")
)

// PrivKey wraps a schnorr private scalar.
type PrivKey struct {
	scalar kyber.Scalar
}

// GenPrivKey returns a key drawn from the suite's random stream.
func GenPrivKey() PrivKey {
	return PrivKey{scalar: Suite.Scalar().Pick(Suite.RandomStream())}
}

// GenPrivKeyFromSeed derives a key deterministically from seed.
func GenPrivKeyFromSeed(seed []byte) PrivKey {
	return PrivKey{scalar: Suite.Scalar().Pick(Suite.XOF(seed))}
}

func PrivKeyFromBytes(bz []byte) (PrivKey, error) {
	s := Suite.Scalar()
	if err := s.UnmarshalBinary(bz); err != nil {
		return PrivKey{}, errors.Wrap(err, "decode private key")
	}
	return PrivKey{scalar: s}, nil
}

func (pk PrivKey) Bytes() []byte {
	bz, err := pk.scalar.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func (pk PrivKey) PubKey() tmbytes.HexBytes {
	bz, err := Suite.Point().Mul(pk.scalar, nil).MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func (pk PrivKey) Address() Address {
	return AddressFromPubKey(pk.PubKey())
}

func (pk PrivKey) Sign(msg []byte) (tmbytes.HexBytes, error) {
	return schnorr.Sign(Suite, pk.scalar, msg)
}

// VerifySignature checks sig over msg against pub and that pub belongs to
// addr.
func VerifySignature(addr Address, pub, msg, sig []byte) error {
	if len(pub) == 0 {
		return ErrInvalidPubKey
	}
	if len(sig) == 0 {
		return ErrInvalidSignature
	}
	if AddressFromPubKey(pub) != addr {
		return ErrAddressMismatch
	}
	point := Suite.Point()
	if err := point.UnmarshalBinary(pub); err != nil {
		return errors.Wrap(ErrInvalidPubKey, err.Error())
	}
	if err := schnorr.Verify(Suite, point, msg, sig); err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	return nil
}
