package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	tokenIssuer = "dagshield"
)

// KeyPair represents a cryptographic key pair.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Algorithm  string
	Created    time.Time
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// LoadOrGenerateKeyPair reads an ed25519 seed from the given file, creating
// the file with a fresh key when it does not exist.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: expected %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
		}
		privateKey := ed25519.NewKeyFromSeed(seed)
		return &KeyPair{
			PublicKey:  privateKey.Public().(ed25519.PublicKey),
			PrivateKey: privateKey,
			Algorithm:  "Ed25519",
			Created:    time.Now(),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	seed = ed25519.PrivateKey(kp.PrivateKey).Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return kp, nil
}

// Attestor signs and verifies opaque messages. The interface keeps the
// signature scheme swappable without touching business logic; a future
// scheme can bind nonces or timestamps into the message.
type Attestor interface {
	Sign(message []byte) ([]byte, error)
	Verify(message, signature, publicKey []byte) bool
}

// Ed25519Attestor is the default Attestor.
type Ed25519Attestor struct {
	keyPair *KeyPair
}

// NewEd25519Attestor creates an attestor around a key pair. A nil key pair
// yields a verify-only attestor.
func NewEd25519Attestor(keyPair *KeyPair) *Ed25519Attestor {
	return &Ed25519Attestor{keyPair: keyPair}
}

// Sign creates a digital signature for a message.
func (a *Ed25519Attestor) Sign(message []byte) ([]byte, error) {
	if a.keyPair == nil || len(a.keyPair.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key not available")
	}
	return ed25519.Sign(a.keyPair.PrivateKey, message), nil
}

// Verify checks a digital signature against a public key.
func (a *Ed25519Attestor) Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// MetricsDigest deterministically encodes a node metric tuple for signing.
// The digest binds only the metric values, matching the reference scheme; a
// previously valid payload is therefore replayable until nonce binding is
// added to the message format.
func MetricsDigest(nodeID string, threatsDetected, uptimeDelta uint64, efficiency uint32) []byte {
	h := sha256.New()
	h.Write([]byte(nodeID))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], threatsDetected)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uptimeDelta)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(efficiency))
	h.Write(buf[:])

	return h.Sum(nil)
}

// HashData creates a hex-encoded sha256 hash of data.
func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// DeriveKey derives an encryption key from a password.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, pbkdfIterations, keyLength, sha256.New)
}

// GenerateSalt generates a random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// OperatorClaims are the JWT claims carried by operator tokens.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates operator capability tokens.
type TokenManager struct {
	secret []byte
	expiry time.Duration
}

// NewTokenManager creates a token manager with an HMAC secret.
func NewTokenManager(secret []byte, expiry time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &TokenManager{secret: secret, expiry: expiry}, nil
}

// IssueOperatorToken creates a signed token naming the operator identity.
func (tm *TokenManager) IssueOperatorToken(operatorID string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateOperatorToken parses a token and returns the operator identity it
// names.
func (tm *TokenManager) ValidateOperatorToken(tokenString string) (string, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.OperatorID, nil
}

// ExportPublicKey exports a public key in base64.
func ExportPublicKey(kp *KeyPair) string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}
