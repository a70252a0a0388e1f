// Package codec implements the deterministic binary serialization of
// internal/model records used for storage inside sealed bbolt values
// (spec §4.B: "stable binary serialization with fixed field order").
//
// Numeric fields are big-endian; byte slices are length-prefixed with
// a u32 count. This is an internal storage encoding, not the
// EnvelopeV1 wire format (see internal/envelope for that).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/CalebFields/Pigeon/internal/model"
)

func putBytes(buf *bytes.Buffer, b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeMessage serializes a QueuedMessage for storage in the
// messages tree.
func EncodeMessage(m *model.QueuedMessage) []byte {
	var buf bytes.Buffer
	idBytes, _ := m.ID.MarshalBinary()
	buf.Write(idBytes)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], m.ContactID)
	buf.Write(u64[:])
	putBytes(&buf, m.Payload)
	binary.BigEndian.PutUint64(u64[:], uint64(m.Created))
	buf.Write(u64[:])
	buf.WriteByte(m.Priority)
	buf.WriteByte(byte(m.Status))
	binary.BigEndian.PutUint64(u64[:], uint64(m.DeliveredAt))
	buf.Write(u64[:])
	binary.BigEndian.PutUint32(u64[:4], uint32(m.RetryCount))
	buf.Write(u64[:4])
	binary.BigEndian.PutUint64(u64[:], uint64(m.NextAttemptAt))
	buf.Write(u64[:])
	binary.BigEndian.PutUint32(u64[:4], uint32(m.MaxRetries))
	buf.Write(u64[:4])
	return buf.Bytes()
}

// DecodeMessage parses the output of EncodeMessage.
func DecodeMessage(data []byte) (*model.QueuedMessage, error) {
	r := bytes.NewReader(data)
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return nil, fmt.Errorf("decode message id: %w", err)
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, fmt.Errorf("decode message id: %w", err)
	}
	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	contactID := binary.BigEndian.Uint64(u64[:])
	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	created := int64(binary.BigEndian.Uint64(u64[:]))
	priority, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	delivered := int64(binary.BigEndian.Uint64(u64[:]))
	if _, err := io.ReadFull(r, u64[:4]); err != nil {
		return nil, err
	}
	retryCount := int(binary.BigEndian.Uint32(u64[:4]))
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	nextAttempt := int64(binary.BigEndian.Uint64(u64[:]))
	if _, err := io.ReadFull(r, u64[:4]); err != nil {
		return nil, err
	}
	maxRetries := int(binary.BigEndian.Uint32(u64[:4]))

	return &model.QueuedMessage{
		ID:            id,
		ContactID:     contactID,
		Payload:       payload,
		Created:       created,
		Priority:      priority,
		Status:        model.Status(status),
		DeliveredAt:   delivered,
		RetryCount:    retryCount,
		NextAttemptAt: nextAttempt,
		MaxRetries:    maxRetries,
	}, nil
}

// EncodeDeadLetter serializes a DeadLetterRecord.
func EncodeDeadLetter(d *model.DeadLetterRecord) []byte {
	var buf bytes.Buffer
	idBytes, _ := d.ID.MarshalBinary()
	buf.Write(idBytes)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], d.ContactID)
	buf.Write(u64[:])
	putBytes(&buf, d.Payload)
	binary.BigEndian.PutUint64(u64[:], uint64(d.FailedAt))
	buf.Write(u64[:])
	binary.BigEndian.PutUint32(u64[:4], uint32(d.Attempts))
	buf.Write(u64[:4])
	putBytes(&buf, []byte(d.LastError))
	return buf.Bytes()
}

// DecodeDeadLetter parses the output of EncodeDeadLetter.
func DecodeDeadLetter(data []byte) (*model.DeadLetterRecord, error) {
	r := bytes.NewReader(data)
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	contactID := binary.BigEndian.Uint64(u64[:])
	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	failedAt := int64(binary.BigEndian.Uint64(u64[:]))
	if _, err := io.ReadFull(r, u64[:4]); err != nil {
		return nil, err
	}
	attempts := int(binary.BigEndian.Uint32(u64[:4]))
	lastErr, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &model.DeadLetterRecord{
		ID:        id,
		ContactID: contactID,
		Payload:   payload,
		FailedAt:  failedAt,
		Attempts:  attempts,
		LastError: string(lastErr),
	}, nil
}

// EncodeContact serializes a Contact.
func EncodeContact(c *model.Contact) []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], c.ID)
	buf.Write(u64[:])
	putBytes(&buf, []byte(c.DisplayName))
	putBytes(&buf, []byte(c.Address))
	buf.Write(c.EncPublicKey[:])
	buf.Write(c.SignPublicKey[:])
	return buf.Bytes()
}

// DecodeContact parses the output of EncodeContact.
func DecodeContact(data []byte) (*model.Contact, error) {
	r := bytes.NewReader(data)
	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint64(u64[:])
	name, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	addr, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	var encPK, signPK [32]byte
	if _, err := io.ReadFull(r, encPK[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, signPK[:]); err != nil {
		return nil, err
	}
	return &model.Contact{
		ID:            id,
		DisplayName:   string(name),
		Address:       string(addr),
		EncPublicKey:  encPK,
		SignPublicKey: signPK,
	}, nil
}

// IDKey encodes a uuid.UUID into its 16-byte big-endian representation
// for use as a bbolt key.
func IDKey(id uuid.UUID) []byte {
	b, _ := id.MarshalBinary()
	return b
}

// LaneKey builds the `next_attempt_at_be || id` key used by the
// priority lane indices (spec §3).
func LaneKey(nextAttemptAt int64, id uuid.UUID) []byte {
	key := make([]byte, 8+16)
	binary.BigEndian.PutUint64(key[:8], uint64(nextAttemptAt))
	idBytes, _ := id.MarshalBinary()
	copy(key[8:], idBytes)
	return key
}

// SplitLaneKey recovers the id suffix of a lane key.
func SplitLaneKey(key []byte) (nextAttemptAt int64, id uuid.UUID, err error) {
	if len(key) != 24 {
		return 0, uuid.Nil, fmt.Errorf("malformed lane key: %d bytes", len(key))
	}
	nextAttemptAt = int64(binary.BigEndian.Uint64(key[:8]))
	id, err = uuid.FromBytes(key[8:])
	return nextAttemptAt, id, err
}
