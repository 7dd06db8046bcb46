package ingress

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	header := sign("secret", body)
	if err := VerifySignature("secret", body, header); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	header := sign("secret", body)
	if err := VerifySignature("other-secret", body, header); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	header := sign("secret", body)
	if err := VerifySignature("secret", []byte(`{"ref":"refs/heads/evil"}`), header); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignatureRejectsMissingHeader(t *testing.T) {
	if err := VerifySignature("secret", []byte("body"), ""); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	if err := VerifySignature("secret", []byte("body"), "not-hex-at-all=zz"); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignatureRejectsWrongLengthDigest(t *testing.T) {
	if err := VerifySignature("secret", []byte("body"), "sha1=aabb"); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}
