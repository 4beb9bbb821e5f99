package traderepublic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const deviceKeyPemType = "EC PRIVATE KEY"

// DeviceKey is the ECDSA P-256 key paired with the account during the device
// reset flow. Signed endpoints take the signature of
// `timestamp_ms + "." + json_payload` (SHA-512, DER encoded, base64).
type DeviceKey struct {
	privateKey *ecdsa.PrivateKey
}

func NewDeviceKey() (*DeviceKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DeviceKey{
		privateKey: privateKey,
	}, nil
}

// DeviceKeyFromPEM restores a key exported with `PEM`. Persistence itself is
// the caller's concern.
func DeviceKeyFromPEM(pemBytes []byte) (*DeviceKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != deviceKeyPemType {
		return nil, fmt.Errorf("no %s block found", deviceKeyPemType)
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &DeviceKey{
		privateKey: privateKey,
	}, nil
}

func (self *DeviceKey) PEM() ([]byte, error) {
	keyBytes, err := x509.MarshalECPrivateKey(self.privateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  deviceKeyPemType,
		Bytes: keyBytes,
	}), nil
}

// PublicKeyBase64 is the uncompressed point encoding uploaded during pairing.
func (self *DeviceKey) PublicKeyBase64() string {
	publicKey := self.privateKey.PublicKey
	point := elliptic.Marshal(publicKey.Curve, publicKey.X, publicKey.Y)
	return base64.StdEncoding.EncodeToString(point)
}

// SignPayload signs the JSON serialization of `payload` with the current
// wall clock.
func (self *DeviceKey) SignPayload(payload any) (timestamp string, signature string, err error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	return self.signText(string(payloadBytes))
}

func (self *DeviceKey) signText(payloadText string) (timestamp string, signature string, err error) {
	timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + "." + payloadText

	digest := sha512.Sum512([]byte(message))
	r, s, err := ecdsa.Sign(rand.Reader, self.privateKey, digest[:])
	if err != nil {
		return "", "", err
	}

	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])
	der, err := derFromP1363(raw)
	if err != nil {
		return "", "", err
	}
	return timestamp, base64.StdEncoding.EncodeToString(der), nil
}

// derFromP1363 converts a raw r||s signature (32 bytes each) to ASN.1 DER
// `SEQUENCE { INTEGER r, INTEGER s }`. Integers are minimal: leading zero
// octets are stripped, and a single 0x00 is prefixed when the high bit of
// the most significant retained byte is set.
func derFromP1363(raw []byte) ([]byte, error) {
	if 64 != len(raw) {
		return nil, fmt.Errorf("raw signature must be 64 bytes, got %d", len(raw))
	}
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])

	var builder cryptobyte.Builder
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(child *cryptobyte.Builder) {
		child.AddASN1BigInt(r)
		child.AddASN1BigInt(s)
	})
	return builder.Bytes()
}
