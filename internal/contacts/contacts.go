// Package contacts implements the Contact Directory collaborator
// (spec.md §1 "Contact directory", SPEC_FULL.md §4.I): a bbolt bucket
// of sealed Contact records resolving a contact_id to a dialable
// address and recipient encryption public key.
package contacts

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/CalebFields/Pigeon/internal/codec"
	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/ports"
	"github.com/CalebFields/Pigeon/internal/store"
)

const Bucket = "contacts"

// Directory is the concrete ports.ContactDirectory implementation.
type Directory struct {
	s      *store.Store
	sealer ports.Sealer
}

var _ ports.ContactDirectory = (*Directory)(nil)

func New(s *store.Store, sealer ports.Sealer) *Directory {
	return &Directory{s: s, sealer: sealer}
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// Put writes (or overwrites) a Contact record.
func (d *Directory) Put(c model.Contact) error {
	sealed, err := d.sealer.Seal(codec.EncodeContact(&c))
	if err != nil {
		return err
	}
	return d.s.Update(func(tx *bbolt.Tx) error {
		return store.Put(tx, []byte(Bucket), idKey(c.ID), sealed)
	})
}

// Resolve looks up a Contact by its numeric id.
func (d *Directory) Resolve(contactID uint64) (model.Contact, bool, error) {
	var out model.Contact
	found := false
	err := d.s.View(func(tx *bbolt.Tx) error {
		sealed, ok := store.Get(tx, []byte(Bucket), idKey(contactID))
		if !ok {
			return nil
		}
		plain, err := d.sealer.Open(sealed)
		if err != nil {
			return perr.CryptoError("opening contact record", err)
		}
		c, err := codec.DecodeContact(plain)
		if err != nil {
			return err
		}
		out = *c
		found = true
		return nil
	})
	return out, found, err
}

// List returns every stored Contact in ascending id order.
func (d *Directory) List() ([]model.Contact, error) {
	var out []model.Contact
	err := d.s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(Bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			plain, err := d.sealer.Open(v)
			if err != nil {
				return err
			}
			contact, err := codec.DecodeContact(plain)
			if err != nil {
				return err
			}
			out = append(out, *contact)
			_ = k
		}
		return nil
	})
	return out, err
}
