package devices

import (
	"encoding/hex"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var fingerprintMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	fingerprintMode, err = opts.EncMode()
	if err != nil {
		panic("devices: CBOR encoder initialization failed: " + err.Error())
	}
}

// fingerprintKey separates descriptor hashes from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'o', 's', 'c', '.', 'd', 'e', 's', 'c', 'r', 'i', 'p', 't', 'o', 'r',
}

// Fingerprint is a stable digest of a descriptor's content. Whitespace,
// key order and file format do not affect it.
func Fingerprint(desc *contract.Descriptor) (string, error) {
	data, err := fingerprintMode.Marshal(desc)
	if err != nil {
		return "", err
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("devices: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
