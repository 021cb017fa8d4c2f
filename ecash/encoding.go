package ecash

import (
	"github.com/fxamacker/cbor/v2"
)

// Everything hashed, signed or ordered by the federation goes through
// the core deterministic CBOR encoding so all guardians agree bit for bit.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
