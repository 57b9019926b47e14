package utils

import "testing"

func TestPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("caisse!Secret9")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if string(hashed) == "caisse!Secret9" {
		t.Fatal("password stored in clear")
	}
	if err := ComparePassword(string(hashed), "caisse!Secret9"); err != nil {
		t.Fatalf("ComparePassword rejected the original password: %v", err)
	}
	if err := ComparePassword(string(hashed), "wrong-password"); err == nil {
		t.Fatal("ComparePassword accepted a wrong password")
	}
}
