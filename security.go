package pfm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher geometry for password-based encryption.
// The output layout is salt || nonce || ciphertext+tag, prefixed with
// the plaintext EncMagic header line.
const (
	saltSize   = 16
	nonceSize  = 12
	dkLen      = 32
	iterations = 600_000

	sigAlgo        = "hmac-sha256"
	sigMetaKey     = "signature"
	algoMetaKey    = "sig_algo"
	fingerprintLen = 16
)

// Sign computes an HMAC-SHA256 over the document's canonical message
// with the given secret, stores the hex signature and algorithm tag in
// CustomMeta, and returns the signature.
func Sign(doc *Document, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(signingMessage(doc))
	signature := hex.EncodeToString(mac.Sum(nil))

	if doc.CustomMeta == nil {
		doc.CustomMeta = make(map[string]string)
	}
	doc.CustomMeta[sigMetaKey] = signature
	doc.CustomMeta[algoMetaKey] = sigAlgo
	return signature
}

// Verify recomputes the document's signature with the given secret and
// compares it to the stored one in constant time. The stored signature
// and algorithm fields are excluded from the canonical message (they
// are removed before hashing and restored afterward). An unsigned
// document never verifies.
func Verify(doc *Document, secret []byte) bool {
	stored := doc.CustomMeta[sigMetaKey]
	if stored == "" {
		return false
	}

	storedAlgo, hadAlgo := doc.CustomMeta[algoMetaKey]
	delete(doc.CustomMeta, sigMetaKey)
	delete(doc.CustomMeta, algoMetaKey)

	mac := hmac.New(sha256.New, secret)
	mac.Write(signingMessage(doc))
	expected := hex.EncodeToString(mac.Sum(nil))

	doc.CustomMeta[sigMetaKey] = stored
	if hadAlgo {
		doc.CustomMeta[algoMetaKey] = storedAlgo
	}

	return hmac.Equal([]byte(stored), []byte(expected))
}

// signingMessage builds the canonical byte sequence covered by a
// signature: sorted "key=value" metadata lines, then for each section
// in order a "[name]" marker and its content, all NUL-joined. Any
// change to metadata, section order, or content changes the message.
func signingMessage(doc *Document) []byte {
	meta := doc.MetaMap()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([][]byte, 0, len(keys)+2*len(doc.Sections))
	for _, k := range keys {
		parts = append(parts, []byte(k+"="+meta[k]))
	}
	for _, s := range doc.Sections {
		parts = append(parts, []byte("["+s.Name+"]"), []byte(s.Content))
	}
	return bytes.Join(parts, []byte{0})
}

// deriveKey stretches a password into a 256-bit key with
// PBKDF2-HMAC-SHA256 and a high fixed iteration count.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, dkLen, sha256.New)
}

// EncryptBytes encrypts data with AES-256-GCM under a key derived from
// password. The result is salt || nonce || ciphertext+tag.
func EncryptBytes(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(data)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// DecryptBytes reverses EncryptBytes. A wrong password or tampered
// ciphertext fails the authentication check with ErrDecryptFailed; it
// never returns garbage.
func DecryptBytes(encrypted []byte, password string) ([]byte, error) {
	if len(encrypted) < saltSize+nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	salt := encrypted[:saltSize]
	nonce := encrypted[saltSize : saltSize+nonceSize]
	ciphertext := encrypted[saltSize+nonceSize:]

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// EncryptDocument serialises and encrypts a whole document. The output
// starts with the plaintext EncMagic header line so encrypted files
// are identifiable without attempting decryption.
func EncryptDocument(doc *Document, password string) ([]byte, error) {
	plaintext, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	encrypted, err := EncryptBytes(plaintext, password)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(EncMagic)+1+len(encrypted))
	out = append(out, EncMagic...)
	out = append(out, '\n')
	return append(out, encrypted...), nil
}

// DecryptDocument decrypts the output of EncryptDocument and parses
// the recovered plaintext.
func DecryptDocument(data []byte, password string) (*Document, error) {
	if !IsEncrypted(data) {
		return nil, ErrNotEncrypted
	}
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: truncated header", ErrNotEncrypted)
	}
	plaintext, err := DecryptBytes(data[headerEnd+1:], password)
	if err != nil {
		return nil, err
	}
	return Decode(plaintext)
}

// VerifyIntegrity reports whether the document's stored checksum still
// matches its content. No stored checksum counts as valid.
func VerifyIntegrity(doc *Document) bool {
	return doc.ValidateChecksum()
}

// Fingerprint derives a short stable identifier from a document's id,
// checksum and creation time, useful for deduplication and tracking.
func Fingerprint(doc *Document) string {
	material := fmt.Sprintf("%s:%s:%s", doc.ID, doc.Checksum, doc.Created)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
