package sungrow

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// Gateway request signing material. The portal's web app ships these keys in
// its bundled javascript; they are public by construction.
const (
	accessKey = "9grzgbmxdsp3arfmmgq347xjbza4ysps"
	appKey    = "B0455FBE7AA0328DB57B59AA729F05D8"

	loginPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQDJRGV7eyd9peLPOIqFg3oionWq
pmrjVik2wyJzWqv8it3yAvo/o4OR40ybrZPHq526k6ngvqHOCNJvhrN7wXNUEIT+
PXyLuwfWP04I4EDBS3Bn3LcTMAnGVoIka0f5O6lo3I0YtPWwnyhcQhrHWuTietGC
0CNwueI11Juq8NV2nwIDAQAB
-----END PUBLIC KEY-----`

	appPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQCkecphb6vgsBx4LJknKKes+eyj
7+RKQ3fikF5B67EObZ3t4moFZyMGuuJPiadYdaxvRqtxyblIlVM7omAasROtKRht
gKwwRxo2a6878qBhTgUVlsqugpI/7ZC9RmO2Rpmr8WzDeAapGANfHN5bVr7G7GYG
wIrjvyxMrAVit/oM4wIDAQAB
-----END PUBLIC KEY-----`
)

func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("sungrow: bad public key pem")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sungrow: parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("sungrow: public key is not rsa")
	}
	return key, nil
}

// encryptRSA seals a short string with PKCS1 v1.5 and returns it base64
// encoded, matching what the portal's login form submits.
func encryptRSA(value string, key *rsa.PublicKey) (string, error) {
	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(value))
	if err != nil {
		return "", fmt.Errorf("sungrow: rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// encryptAES encrypts with AES-128 in ECB mode, PKCS7 padded, hex encoded.
// ECB is what the gateway demands; the key is random per request.
func encryptAES(data, key string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("sungrow: aes key: %w", err)
	}
	padded := pkcs7Pad([]byte(data), aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return hex.EncodeToString(out), nil
}

// decryptAES reverses encryptAES.
func decryptAES(data, key string) (string, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("sungrow: response is not hex: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("sungrow: bad ciphertext length")
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("sungrow: aes key: %w", err)
	}
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], raw[i:i+aes.BlockSize])
	}
	plain, err := pkcs7Unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("sungrow: empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) {
		return nil, errors.New("sungrow: bad padding")
	}
	return data[:len(data)-pad], nil
}

const wordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomWord returns n random alphanumeric characters.
func randomWord(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(wordChars)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		out[i] = wordChars[idx.Int64()]
	}
	return string(out)
}
