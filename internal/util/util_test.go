package util

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenRandomString(t *testing.T) {
	a := GenRandomString([]byte{1, 2}, 24)
	b := GenRandomString([]byte{1, 2}, 24)
	if a == b {
		t.Error("two random strings are equal")
	}
	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 26 || raw[0] != 1 || raw[1] != 2 {
		t.Errorf("unexpected decoded string %v", raw)
	}
}

func TestCryptPwd(t *testing.T) {
	h, err := CryptPwd("secret")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("secret")) != nil {
		t.Error("hash does not match password")
	}
}

func TestJsonWrite(t *testing.T) {
	w := httptest.NewRecorder()
	JsonWrite(w, map[string]int{"status": 0})
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != "{\"status\":0}\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}
