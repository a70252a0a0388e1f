package envelope

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a V1 envelope to the deterministic wire format
// (spec §6):
//
//	u8  version
//	u64 sender_id
//	u64 recipient_id
//	[24]u8 nonce
//	len-prefixed bytes payload   (u64 length, then bytes)
//	len-prefixed bytes signature (u64 length, then 64 bytes)
func Encode(env *V1) []byte {
	out := make([]byte, 0, 1+8+8+NonceSize+8+len(env.Payload)+8+SignatureLen)
	out = append(out, env.Version)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], env.SenderID)
	out = append(out, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], env.RecipientID)
	out = append(out, u64[:]...)
	out = append(out, env.Nonce[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(len(env.Payload)))
	out = append(out, u64[:]...)
	out = append(out, env.Payload...)
	binary.BigEndian.PutUint64(u64[:], SignatureLen)
	out = append(out, u64[:]...)
	out = append(out, env.Signature[:]...)
	return out
}

// Decode parses the wire format produced by Encode. It returns an
// error on structural malformation (short buffer, length prefixes
// that overrun the buffer); a well-formed envelope whose signature
// length is not 64 bytes is reported via ErrBadSignatureLength rather
// than a decode error, since spec §4.D step 1 treats that case as a
// verification outcome (NACK), not a parse failure.
var ErrBadSignatureLength = fmt.Errorf("envelope: signature length is not %d bytes", SignatureLen)

func Decode(data []byte) (*V1, error) {
	const headerLen = 1 + 8 + 8 + NonceSize + 8
	if len(data) < headerLen {
		return nil, fmt.Errorf("envelope: buffer too short for header")
	}
	env := &V1{}
	off := 0
	env.Version = data[off]
	off++
	env.SenderID = binary.BigEndian.Uint64(data[off:])
	off += 8
	env.RecipientID = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(env.Nonce[:], data[off:off+NonceSize])
	off += NonceSize

	payloadLen := binary.BigEndian.Uint64(data[off:])
	off += 8
	if uint64(len(data)-off) < payloadLen {
		return nil, fmt.Errorf("envelope: payload length overruns buffer")
	}
	env.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if len(data)-off < 8 {
		return nil, fmt.Errorf("envelope: buffer too short for signature length")
	}
	sigLen := binary.BigEndian.Uint64(data[off:])
	off += 8
	if uint64(len(data)-off) < sigLen {
		return nil, fmt.Errorf("envelope: signature length overruns buffer")
	}
	sigBytes := data[off : off+int(sigLen)]
	off += int(sigLen)

	if sigLen != SignatureLen {
		// Structurally decoded, but doesn't meet the fixed-length
		// invariant; the caller (internal/receive) treats this as NACK.
		return env, ErrBadSignatureLength
	}
	copy(env.Signature[:], sigBytes)
	return env, nil
}
