package patch

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashN(n byte) graph.Hash {
	var h graph.Hash
	h[0] = n
	return h
}

func extKey(h graph.Hash, line uint32) []byte {
	k := graph.NewKey(h, line)
	return k[:]
}

func samplePatch() *Patch {
	changes := []Change{
		{NewNodes: &NewNodes{
			UpContext:   [][]byte{extKey(hashN(1), 3)},
			DownContext: [][]byte{graph.LineBytes(9)},
			LineNum:     1,
			Nodes:       [][]byte{[]byte("hello\n"), []byte("world\n")},
		}},
		{Edges: &Edges{Edges: []Edge{{
			From:         extKey(hashN(2), 1),
			To:           extKey(hashN(1), 4),
			Flag:         graph.Parent | graph.Deleted,
			IntroducedBy: hashN(3),
		}}}},
	}
	return New(Meta{Name: "sample", Authors: []string{"ada"}, Timestamp: time.Unix(1700000000, 0)}, changes)
}

func TestDependencies(t *testing.T) {
	p := samplePatch()
	assert.Equal(t, []graph.Hash{hashN(1), hashN(2), hashN(3)}, p.Dependencies)

	rootOnly := []Change{{NewNodes: &NewNodes{
		UpContext: [][]byte{graph.RootKey[:]},
		Nodes:     [][]byte{[]byte("x")},
	}}}
	assert.Empty(t, Dependencies(rootOnly))
}

func TestEncodeIsDeterministic(t *testing.T) {
	p := samplePatch()
	a, err := Encode(p)
	require.NoError(t, err)
	b, err := Encode(p)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	decoded, err := Decode(a)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	h1, _, _ := Hash(p)
	h2, _, _ := Hash(decoded)
	assert.Equal(t, h1, h2)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrNothingToDecode)

	var decErr *DecodingError
	_, err = Decode([]byte{0xff, 0x00, 0x13})
	assert.True(t, errors.As(err, &decErr), "got %v", err)

	bad := &Patch{Changes: []Change{{}}}
	b, err := Encode(bad)
	require.NoError(t, err)
	_, err = Decode(b)
	assert.True(t, errors.As(err, &decErr), "got %v", err)
}

func TestStoreFormats(t *testing.T) {
	entity, err := openpgp.NewEntity("Tester", "", "tester@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	cases := []struct {
		name string
		cfg  StoreConfig
		ext  string
	}{
		{"cbor", StoreConfig{}, extCBOR},
		{"gzip", StoreConfig{Encoding: EncodingGzip}, extGzip},
		{"signed", StoreConfig{Signer: entity}, extSigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := memfs.New()
			s := NewStore(fs, tc.cfg)
			p := samplePatch()

			h, err := s.Save(p)
			require.NoError(t, err)
			path, err := s.Path(h)
			require.NoError(t, err)
			assert.Equal(t, h.String()+tc.ext, path)
			assert.True(t, s.Has(h))

			loaded, err := s.Load(h)
			require.NoError(t, err)
			assert.Equal(t, p, loaded)

			again, err := s.Save(p)
			require.NoError(t, err)
			assert.Equal(t, h, again)
		})
	}
}

func TestStoreRejectsUnknownSigner(t *testing.T) {
	signer, err := openpgp.NewEntity("Signer", "", "signer@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)
	other, err := openpgp.NewEntity("Other", "", "other@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	fs := memfs.New()
	h, err := NewStore(fs, StoreConfig{Signer: signer}).Save(samplePatch())
	require.NoError(t, err)

	_, err = NewStore(fs, StoreConfig{Keyring: openpgp.EntityList{other}}).Load(h)
	assert.Error(t, err)
}

func TestStoreMissingAndTampered(t *testing.T) {
	fs := memfs.New()
	s := NewStore(fs, StoreConfig{})

	_, err := s.Load(hashN(42))
	assert.ErrorIs(t, err, ErrPatchNotFound)

	h, err := s.Save(samplePatch())
	require.NoError(t, err)
	other, _ := Encode(&Patch{Name: "other"})
	require.NoError(t, util.WriteFile(fs, h.String()+extCBOR, other, 0644))
	_, err = s.Load(h)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestChangesFile(t *testing.T) {
	fs := memfs.New()
	got, err := ReadChanges(fs, "changes.main")
	require.NoError(t, err)
	assert.Empty(t, got)

	hashes := []graph.Hash{hashN(1), hashN(2)}
	require.NoError(t, WriteChanges(fs, "changes.main", hashes))
	got, err = ReadChanges(fs, "changes.main")
	require.NoError(t, err)
	assert.Equal(t, hashes, got)
}
