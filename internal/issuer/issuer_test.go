package issuer

import (
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestIssuer_IssueVerify(t *testing.T) {
	g := NewWithT(t)
	iss := New("https://portal.example.com")
	now := time.Now()

	sid := iss.NewSessionID()
	g.Expect(sid).ToNot(BeEmpty())
	g.Expect(iss.NewSessionID()).ToNot(Equal(sid))

	token, exp, err := iss.Issue(sid, now)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(exp).To(Equal(now.Add(tokenDuration)))
	g.Expect(strings.Count(token, ".")).To(Equal(2))

	claims, ok := iss.Verify(token, now)
	g.Expect(ok).To(BeTrue())
	g.Expect(claims.SessionID).To(Equal(sid))
	g.Expect(claims.NeedsRenewal(now)).To(BeFalse())
	g.Expect(claims.NeedsRenewal(now.Add(tokenDuration / 2))).To(BeTrue())
}

func TestIssuer_VerifyRejects(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	iss := New("https://portal.example.com")

	token, _, err := iss.Issue("sid", now)
	g.Expect(err).ToNot(HaveOccurred())

	tests := []struct {
		name  string
		iss   Issuer
		token string
		now   time.Time
	}{
		{name: "garbage", iss: iss, token: "not-a-jwt", now: now},
		{name: "tampered", iss: iss, token: token + "x", now: now},
		{name: "expired", iss: iss, token: token, now: now.Add(tokenDuration + time.Second)},
		{name: "other audience", iss: &sessionIssuer{privateKeySource: iss.(*sessionIssuer).privateKeySource, audience: "https://other.example.com"}, token: token, now: now},
		{name: "other keys", iss: New("https://portal.example.com"), token: token, now: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			claims, ok := tt.iss.Verify(tt.token, tt.now)
			g.Expect(ok).To(BeFalse())
			g.Expect(claims).To(BeNil())
		})
	}
}

func TestIssuer_IssueKeyError(t *testing.T) {
	g := NewWithT(t)
	iss := &sessionIssuer{
		privateKeySource: &automaticPrivateKeySource{
			generate: func(time.Time) (*keyPair, error) { return nil, errors.New("no entropy") },
		},
		audience: "https://portal.example.com",
	}

	_, _, err := iss.Issue("sid", time.Now())

	g.Expect(err).To(MatchError("failed to get current private key: no entropy"))
}

func TestAutomaticPrivateKeySource_Rotation(t *testing.T) {
	g := NewWithT(t)
	src := &automaticPrivateKeySource{}
	now := time.Now()

	first, err := src.current(now)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(src.publicKeys(now)).To(HaveLen(1))

	// Same key while it can still issue.
	again, err := src.current(now.Add(tokenDuration))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(again).To(BeIdenticalTo(first))

	// Rotated once it can no longer issue; the previous key still verifies.
	later := now.Add(tokenDuration + time.Second)
	second, err := src.current(later)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(second).ToNot(BeIdenticalTo(first))
	g.Expect(src.publicKeys(later)).To(HaveLen(2))

	// The previous key stops verifying one token lifetime after it stopped
	// issuing.
	g.Expect(src.publicKeys(now.Add(2*tokenDuration + 2*time.Second))).To(HaveLen(1))
}

func TestKeyPair(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()

	var nilPair *keyPair
	g.Expect(nilPair.canIssue(now)).To(BeFalse())
	g.Expect(nilPair.canVerify(now)).To(BeFalse())

	k := &keyPair{issueUntil: now}
	g.Expect(k.canIssue(now)).To(BeTrue())
	g.Expect(k.canIssue(now.Add(time.Nanosecond))).To(BeFalse())
	g.Expect(k.canVerify(now.Add(tokenDuration))).To(BeTrue())
	g.Expect(k.canVerify(now.Add(tokenDuration + time.Nanosecond))).To(BeFalse())
}
