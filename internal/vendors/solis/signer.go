package solis

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// The portal's front-end hides its signing key behind three bit-inverted
// binary literals joined as decimal, hex and hex. The same literals are
// replayed here so the derivation stays recognizable against the original
// script.
const (
	keySegment1 = "0101100111111011000001111101110001000100011"
	keySegment2 = "01010111010001000110101100110111110000010100"
	keySegment3 = "00111111101001100101010101110011"

	authScheme = "WEB"
	authKeyID  = "2424"
)

func invertBits(bits string) uint64 {
	var inverted strings.Builder
	for _, bit := range bits {
		if bit == '0' {
			inverted.WriteByte('1')
		} else {
			inverted.WriteByte('0')
		}
	}
	value, err := strconv.ParseUint(inverted.String(), 2, 64)
	if err != nil {
		panic("solis: bad key segment: " + err.Error())
	}
	return value
}

func signingKey() string {
	return strconv.FormatUint(invertBits(keySegment1), 10) +
		strconv.FormatUint(invertBits(keySegment2), 16) +
		strconv.FormatUint(invertBits(keySegment3), 16)
}

// contentMD5 is the base64 MD5 digest of the request body, sent in the
// content-md5 header and signed into the authorization token.
func contentMD5(body []byte) string {
	sum := md5.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// authorization builds the signed token for one request: an HMAC-SHA1 over
// the method, the body digest, the content type, the GMT date header and the
// endpoint path.
func authorization(path string, body []byte, date string) string {
	message := strings.Join([]string{
		"POST",
		contentMD5(body),
		"application/json",
		date,
		path,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(signingKey()))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s %s:%s", authScheme, authKeyID, signature)
}

// hashPassword derives the login digest: the lowercase hex MD5 of the clear
// password.
func hashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return fmt.Sprintf("%x", sum)
}
