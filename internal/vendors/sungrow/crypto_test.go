package sungrow

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	acquisition "solarsync/internal/acquisition/domain"
)

func TestAESRoundTrip(t *testing.T) {
	key := "web" + randomWord(13)
	plain := `{"ps_id":"123","date_type":"1"}`

	sealed, err := encryptAES(plain, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for _, r := range sealed {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("ciphertext is not lowercase hex: %q", sealed)
		}
	}

	got, err := decryptAES(sealed, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plain {
		t.Fatalf("round trip = %q, want %q", got, plain)
	}
}

func TestAESRejectsBadKeyLength(t *testing.T) {
	if _, err := encryptAES("x", "short"); err == nil {
		t.Fatal("expected error for non-16-byte key")
	}
}

func TestDecryptAESRejectsGarbage(t *testing.T) {
	key := "0123456789abcdef"
	if _, err := decryptAES("not hex", key); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := decryptAES("abcd", key); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestRandomWord(t *testing.T) {
	word := randomWord(32)
	if len(word) != 32 {
		t.Fatalf("len = %d, want 32", len(word))
	}
	for _, r := range word {
		if !strings.ContainsRune(wordChars, r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
	if word == randomWord(32) {
		t.Fatal("two random words should not collide")
	}
}

func TestEncryptRSAProducesBase64(t *testing.T) {
	key, err := parsePublicKey(loginPublicKeyPEM)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	sealed, err := encryptRSA("secret", key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("output is not base64: %v", err)
	}
	if len(raw) != key.Size() {
		t.Fatalf("ciphertext size = %d, want %d", len(raw), key.Size())
	}
}

func TestLoginStoresUserToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/userLoginAction_login" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("_isMd5"); got != "1" {
			t.Errorf("_isMd5 = %q", got)
		}
		if r.FormValue("userPswd") == "plaintext" {
			t.Error("password must be rsa sealed, not plaintext")
		}
		w.Write([]byte(`{"user_token":"555_abcdef"}`))
	}))
	defer srv.Close()

	client, err := NewClient("", log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.WithLoginURL(srv.URL)

	err = client.Login(context.Background(), acquisition.Credential{Username: "u", Password: "plaintext"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if client.userToken != "555_abcdef" {
		t.Fatalf("token = %q", client.userToken)
	}
}

func TestPostWithoutLoginIsSessionExpired(t *testing.T) {
	client, err := NewClient("", log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.post(context.Background(), "/v1/x", nil); err != acquisition.ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}
