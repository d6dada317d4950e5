package types

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// Length of a base64 encoded 8 byte id without padding.
const uidBase64Unpadded = 11

// UidGenerator produces unique, random-looking string IDs used as connection handles.
// IDs are snowflake sequence numbers weakly encrypted with XTEA.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the generator. workerID must be unique per process sharing the key.
// Calling Init on an initialized generator is a no-op.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	if ug.seq != nil && ug.cipher != nil {
		return nil
	}

	cipher, err := xtea.NewCipher(key)
	if err != nil {
		return err
	}
	seq, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return err
	}
	ug.seq, ug.cipher = seq, cipher
	return nil
}

// GetStr generates a unique ID. Returns an empty string if the sequence is exhausted.
func (ug *UidGenerator) GetStr() string {
	id, err := ug.seq.Next()
	if err != nil {
		return ""
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return base64.RawURLEncoding.EncodeToString(dst)
}

// DecodeStr reverses GetStr and returns the underlying sequence number, 0 if the ID is invalid.
func (ug *UidGenerator) DecodeStr(id string) uint64 {
	if len(id) != uidBase64Unpadded {
		return 0
	}
	src, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(src) != 8 {
		return 0
	}
	dst := make([]byte, 8)
	ug.cipher.Decrypt(dst, src)
	return binary.LittleEndian.Uint64(dst)
}
