package solis

import "testing"

// The expected values are pinned against the portal front-end's own signing
// script so any drift in the derivation shows up immediately.

func TestSigningKeyDerivation(t *testing.T) {
	if got, want := signingKey(), "5704383536604a8bb94c83ebc059aa8c"; got != want {
		t.Fatalf("signingKey = %s, want %s", got, want)
	}
}

func TestContentMD5(t *testing.T) {
	body := []byte(`{"userInfo":"u","passWord":"x","yingZhenType":1,"localTimeZone":-3,"language":"9"}`)
	if got, want := contentMD5(body), "r1mB+F6nRIuBcghmZRJJZQ=="; got != want {
		t.Fatalf("contentMD5 = %s, want %s", got, want)
	}
}

func TestAuthorization(t *testing.T) {
	body := []byte(`{"userInfo":"u","passWord":"x","yingZhenType":1,"localTimeZone":-3,"language":"9"}`)
	date := "Fri, 17 Nov 2023 12:00:00 GMT"
	got := authorization("/user/login2", body, date)
	want := "WEB 2424:A3aNDTv35+Sx2so+CcQfVtei1+Y="
	if got != want {
		t.Fatalf("authorization = %s, want %s", got, want)
	}
}

func TestHashPassword(t *testing.T) {
	if got, want := hashPassword("123456"), "e10adc3949ba59abbe56e057f20f883e"; got != want {
		t.Fatalf("hashPassword = %s, want %s", got, want)
	}
}
