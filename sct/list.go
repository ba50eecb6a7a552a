package sct

import (
	"golang.org/x/crypto/cryptobyte"

	cterr "github.com/ctkeeper/ctkeeper/errors"
)

// ParseList splits an SCT-list blob into its raw SCT entries. The same
// wire format serves the TLS SignedCertificateTimestampList and the
// on-disk collated bundle: a big-endian u16 total length followed by
// (u16 length, SCT bytes) entries.
//
// The declared outer length must equal exactly len(blob)-2 and the
// entries must exactly fill it; anything else rejects the whole blob.
func ParseList(blob []byte) ([][]byte, error) {
	if len(blob) < 2 {
		return nil, cterr.New(cterr.DecodeError, cterr.MalformedList, nil)
	}

	s := cryptobyte.String(blob)
	var list cryptobyte.String
	s.ReadUint16LengthPrefixed(&list)
	if len(list) != len(blob)-2 || !s.Empty() {
		return nil, cterr.New(cterr.DecodeError, cterr.MalformedList, nil)
	}

	var entries [][]byte
	for !list.Empty() {
		var entry cryptobyte.String
		if !list.ReadUint16LengthPrefixed(&entry) || len(entry) == 0 {
			return nil, cterr.New(cterr.DecodeError, cterr.MalformedList, nil)
		}
		entries = append(entries, append([]byte(nil), entry...))
	}
	if len(entries) == 0 {
		return nil, cterr.New(cterr.DecodeError, cterr.MalformedList, nil)
	}

	return entries, nil
}

// SerializeList frames raw SCT entries into the list wire format. Entries
// and the assembled list must each fit their 16-bit length prefixes.
func SerializeList(entries [][]byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
		for _, entry := range entries {
			entry := entry
			list.AddUint16LengthPrefixed(func(c *cryptobyte.Builder) {
				c.AddBytes(entry)
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, cterr.New(cterr.DecodeError, cterr.MalformedList, err)
	}
	return out, nil
}
