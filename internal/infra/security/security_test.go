//go:build !integration

package security

import "testing"

func TestSignatureCipher_RoundTrip(t *testing.T) {
	c, err := NewSignatureCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal("pm-1", "contract-signature")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "contract-signature" {
		t.Fatal("signature stored in clear")
	}
	got, err := c.Open("pm-1", sealed)
	if err != nil || got != "contract-signature" {
		t.Fatalf("open = %q, %v", got, err)
	}
	if _, err := c.Open("pm-2", sealed); err == nil {
		t.Fatal("expected ciphertext bound to its row")
	}
}

func TestSignatureCipher_Empty(t *testing.T) {
	c, _ := NewSignatureCipher("0123456789abcdef")
	if s, err := c.Seal("pm-1", ""); s != "" || err != nil {
		t.Fatalf("seal empty = %q, %v", s, err)
	}
	if s, err := c.Open("pm-1", ""); s != "" || err != nil {
		t.Fatalf("open empty = %q, %v", s, err)
	}
}

func TestNewSignatureCipher_BadKey(t *testing.T) {
	if _, err := NewSignatureCipher("short"); err == nil {
		t.Fatal("expected key length error")
	}
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"payman_authority":"P-1","status":"OK"}`)
	sig := SignWebhook("s3cret", body)

	cases := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid", sig, true},
		{"prefixed", "sha256=" + sig, true},
		{"tampered", SignWebhook("other", body), false},
		{"not hex", "zz", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyWebhook("s3cret", body, tc.sig); got != tc.want {
				t.Fatalf("VerifyWebhook = %v, want %v", got, tc.want)
			}
		})
	}
}
