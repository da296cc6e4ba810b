package authservice

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	token, _, err := SignAccessToken(7, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	claims, err := ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken error: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseExpired(t *testing.T) {
	token, _, err := SignAccessToken(7, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	if _, err := ParseAccessToken(token); err == nil {
		t.Fatal("ParseAccessToken accepted expired token")
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := ParseAccessToken("not-a-jwt"); err == nil {
		t.Fatal("ParseAccessToken accepted garbage")
	}
}
