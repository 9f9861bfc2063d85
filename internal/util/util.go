package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// GenRandomString returns prefix followed by n random bytes, base64url
// encoded.
func GenRandomString(prefix []byte, n int) string {
	b := append(append([]byte{}, prefix...), GenRandomBytes(n)...)
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenRandomBytes panics if the system random source fails.
func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func JsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		panic(err)
	}
}

// CryptPwd hashes a password for the users section of the config file.
func CryptPwd(password string) (string, error) {
	x, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", err
	}
	return string(x), nil
}
