package dnsclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/miekg/dns"
)

// tsigFudge is the clock-skew allowance (seconds) advertised in every
// signed message, per the RFC 2845 §6 recommendation.
const tsigFudge = 300

// ParseAlgorithm maps a configuration algorithm name to its canonical DNS
// wire name. Only the HMAC-SHA2 family is accepted.
func ParseAlgorithm(name string) (string, error) {
	switch name {
	case "hmac-sha224":
		return dns.HmacSHA224, nil
	case "hmac-sha256":
		return dns.HmacSHA256, nil
	case "hmac-sha384":
		return dns.HmacSHA384, nil
	case "hmac-sha512":
		return dns.HmacSHA512, nil
	}
	return "", fmt.Errorf("unknown TSIG algorithm %q", name)
}

// signer implements dns.TsigProvider for a raw-byte shared secret. The
// caller hands Generate the full RFC 2845 §3.4 digest input (message wire
// bytes followed by the TSIG variables); only the HMAC happens here.
type signer struct {
	algorithm string
	secret    []byte
}

func (s signer) newHash() (func() hash.Hash, error) {
	switch s.algorithm {
	case dns.HmacSHA224:
		return sha256.New224, nil
	case dns.HmacSHA256:
		return sha256.New, nil
	case dns.HmacSHA384:
		return sha512.New384, nil
	case dns.HmacSHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unsupported TSIG algorithm %q", s.algorithm)
}

// Generate computes the MAC for an outgoing message.
func (s signer) Generate(msg []byte, t *dns.TSIG) ([]byte, error) {
	if dns.CanonicalName(t.Algorithm) != s.algorithm {
		return nil, dns.ErrKeyAlg
	}
	h, err := s.newHash()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, s.secret)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// Verify checks the MAC on a server response.
func (s signer) Verify(msg []byte, t *dns.TSIG) error {
	want, err := hex.DecodeString(t.MAC)
	if err != nil {
		return err
	}
	got, err := s.Generate(msg, t)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return dns.ErrSig
	}
	return nil
}
