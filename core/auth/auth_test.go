package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("password stored in clear")
	}
	if !CheckPasswordHash("hunter2", hash) {
		t.Fatal("correct password rejected")
	}
	if CheckPasswordHash("hunter3", hash) {
		t.Fatal("wrong password accepted")
	}
	if !CheckPasswordHash("anything", "") {
		t.Fatal("room without password should accept any input")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := IssueToken(secret, Identity{UserID: "u1", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" {
		t.Fatalf("identity = %+v", id)
	}

	// 没有用户名时回退到用户 ID
	token, _ = IssueToken(secret, Identity{UserID: "u2"}, 0)
	if id, err := ParseToken(secret, token); err != nil || id.Username != "u2" {
		t.Fatalf("fallback name: %+v %v", id, err)
	}
}

func TestTokenRejected(t *testing.T) {
	secret := []byte("s3cret")
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString(secret)
	other, _ := IssueToken([]byte("other"), Identity{UserID: "u1"}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "x"}).SignedString(secret)

	cases := map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"alg none":     none,
		"no subject":   noSubject,
		"garbage":      "not-a-token",
	}
	for name, token := range cases {
		if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}

	if _, err := IssueToken(nil, Identity{UserID: "u1"}, time.Hour); err == nil {
		t.Fatal("empty secret should be rejected")
	}
}
