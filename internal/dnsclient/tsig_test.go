package dnsclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/miekg/dns"
)

func TestParseAlgorithm(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hmac-sha224", dns.HmacSHA224},
		{"hmac-sha256", dns.HmacSHA256},
		{"hmac-sha384", dns.HmacSHA384},
		{"hmac-sha512", dns.HmacSHA512},
	}
	for _, tc := range cases {
		got, err := ParseAlgorithm(tc.in)
		if err != nil {
			t.Errorf("ParseAlgorithm(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAlgorithm(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"hmac-md5", "hmac-sha1", "", "sha256"} {
		if _, err := ParseAlgorithm(bad); err == nil {
			t.Errorf("ParseAlgorithm(%q) succeeded, want error", bad)
		}
	}
}

func TestSignerGenerate(t *testing.T) {
	secret := []byte("shared secret")
	s := signer{algorithm: dns.HmacSHA256, secret: secret}

	msg := []byte("digest input as assembled by the dns library")
	got, err := s.Generate(msg, &dns.TSIG{Algorithm: dns.HmacSHA256})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	if want := mac.Sum(nil); !hmac.Equal(got, want) {
		t.Errorf("Generate = %x, want %x", got, want)
	}
}

func TestSignerGenerateAlgorithmMismatch(t *testing.T) {
	s := signer{algorithm: dns.HmacSHA256, secret: []byte("k")}
	if _, err := s.Generate([]byte("m"), &dns.TSIG{Algorithm: dns.HmacSHA512}); err == nil {
		t.Fatal("Generate succeeded with mismatched algorithm, want error")
	}
}

func TestSignerVerify(t *testing.T) {
	secret := []byte("shared secret")
	s := signer{algorithm: dns.HmacSHA512, secret: secret}
	msg := []byte("response digest input")

	mac, err := s.Generate(msg, &dns.TSIG{Algorithm: dns.HmacSHA512})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	good := &dns.TSIG{Algorithm: dns.HmacSHA512, MAC: hex.EncodeToString(mac)}
	if err := s.Verify(msg, good); err != nil {
		t.Errorf("Verify error: %v", err)
	}

	bad := &dns.TSIG{Algorithm: dns.HmacSHA512, MAC: hex.EncodeToString(make([]byte, len(mac)))}
	if err := s.Verify(msg, bad); err == nil {
		t.Error("Verify succeeded with forged MAC, want error")
	}
}
