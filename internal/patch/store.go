package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

var (
	ErrPatchNotFound       = errors.New("patch not found")
	ErrHashMismatch        = errors.New("patch contents do not match hash")
	ErrUnverifiedSignature = errors.New("patch signature could not be verified")
)

// Encoding selects how patches are written to the store.
type Encoding string

const (
	EncodingCBOR Encoding = "cbor"
	EncodingGzip Encoding = "gzip"
)

const (
	extCBOR   = ".cbor"
	extGzip   = ".cbor.gz"
	extSigned = ".cbor.gpg"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Encoding Encoding
	// Signer, when set, signs every saved patch; it takes precedence over
	// Encoding.
	Signer *openpgp.Entity
	// Keyring verifies signed patches. Defaults to the signer alone.
	Keyring openpgp.EntityList
	Logger  *logrus.Logger
}

// Store keeps patches as files named after their external hash.
type Store struct {
	fs      billy.Filesystem
	enc     Encoding
	signer  *openpgp.Entity
	keyring openpgp.EntityList
	log     *logrus.Logger
}

// NewStore returns a store rooted at fs.
func NewStore(fs billy.Filesystem, cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingCBOR
	}
	keyring := cfg.Keyring
	if keyring == nil && cfg.Signer != nil {
		keyring = openpgp.EntityList{cfg.Signer}
	}
	return &Store{fs: fs, enc: cfg.Encoding, signer: cfg.Signer, keyring: keyring, log: cfg.Logger}
}

// Save writes p and returns its external hash. Saving an existing patch
// is a no-op.
func (s *Store) Save(p *Patch) (graph.Hash, error) {
	h, encoded, err := Hash(p)
	if err != nil {
		return h, err
	}
	if s.Has(h) {
		return h, nil
	}

	var buf bytes.Buffer
	ext := extCBOR
	switch {
	case s.signer != nil:
		ext = extSigned
		w, err := openpgp.Sign(&buf, s.signer, nil, nil)
		if err != nil {
			return h, fmt.Errorf("signing patch: %w", err)
		}
		if _, err := w.Write(encoded); err != nil {
			return h, fmt.Errorf("signing patch: %w", err)
		}
		if err := w.Close(); err != nil {
			return h, fmt.Errorf("signing patch: %w", err)
		}
	case s.enc == EncodingGzip:
		ext = extGzip
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(encoded); err != nil {
			return h, fmt.Errorf("compressing patch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return h, fmt.Errorf("compressing patch: %w", err)
		}
	default:
		buf.Write(encoded)
	}

	tmp, err := s.fs.TempFile(".", "tmp-patch-")
	if err != nil {
		return h, fmt.Errorf("creating temp patch file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return h, fmt.Errorf("writing patch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return h, fmt.Errorf("writing patch: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), h.String()+ext); err != nil {
		return h, fmt.Errorf("renaming patch: %w", err)
	}
	s.log.WithFields(logrus.Fields{"hash": h.String(), "format": strings.TrimPrefix(ext, ".")}).Debug("saved patch")
	return h, nil
}

// Path returns the file name holding h, probing every format.
func (s *Store) Path(h graph.Hash) (string, error) {
	for _, ext := range []string{extCBOR, extGzip, extSigned} {
		name := h.String() + ext
		if _, err := s.fs.Stat(name); err == nil {
			return name, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPatchNotFound, h)
}

// Has reports whether h is in the store.
func (s *Store) Has(h graph.Hash) bool {
	_, err := s.Path(h)
	return err == nil
}

// Load reads and verifies the patch h.
func (s *Store) Load(h graph.Hash) (*Patch, error) {
	name, err := s.Path(h)
	if err != nil {
		return nil, err
	}
	encoded, err := s.readEncoded(name)
	if err != nil {
		return nil, err
	}
	if got := HashBytes(encoded); got != h {
		return nil, fmt.Errorf("%w: %s has hash %s", ErrHashMismatch, name, got)
	}
	return Decode(encoded)
}

// ReadFile decodes a patch file of any supported format and returns it
// with its external hash.
func (s *Store) ReadFile(fs billy.Filesystem, name string) (*Patch, graph.Hash, error) {
	encoded, err := readEncoded(fs, name, s.keyring)
	if err != nil {
		return nil, graph.Hash{}, err
	}
	p, err := Decode(encoded)
	if err != nil {
		return nil, graph.Hash{}, err
	}
	return p, HashBytes(encoded), nil
}

func (s *Store) readEncoded(name string) ([]byte, error) {
	return readEncoded(s.fs, name, s.keyring)
}

func readEncoded(fs billy.Filesystem, name string, keyring openpgp.EntityList) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening patch: %w", err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(name, extGzip):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, &DecodingError{Err: err}
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case strings.HasSuffix(name, extSigned):
		md, err := openpgp.ReadMessage(f, keyring, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("reading signed patch: %w", err)
		}
		body, err := io.ReadAll(md.UnverifiedBody)
		if err != nil {
			return nil, fmt.Errorf("reading signed patch: %w", err)
		}
		if !md.IsSigned || md.SignedBy == nil {
			return nil, ErrUnverifiedSignature
		}
		if md.SignatureError != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnverifiedSignature, md.SignatureError)
		}
		return body, nil
	}
	return io.ReadAll(f)
}

// LoadKeyring reads an armored key ring.
func LoadKeyring(fs billy.Filesystem, name string) (openpgp.EntityList, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	defer f.Close()
	el, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	return el, nil
}

// LoadSigner reads the first entity of an armored private key file.
func LoadSigner(fs billy.Filesystem, name string) (*openpgp.Entity, error) {
	el, err := LoadKeyring(fs, name)
	if err != nil {
		return nil, err
	}
	if len(el) == 0 || el[0].PrivateKey == nil {
		return nil, fmt.Errorf("no private key in %s", name)
	}
	return el[0], nil
}
