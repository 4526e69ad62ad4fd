package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/ui/theme"
)

// formatFingerprint renders fp the way OTR clients show it: upper case hex
// in groups of eight.
func formatFingerprint(fp []byte) string {
	h := strings.ToUpper(hex.EncodeToString(fp))
	var b strings.Builder
	for i := 0; i < len(h); i += 8 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+8, len(h))
		b.WriteString(h[i:end])
	}
	return b.String()
}

// parseFingerprint accepts the grouped form as well as plain hex.
func parseFingerprint(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == ':' {
			return -1
		}
		return r
	}, s)
	fp, err := hex.DecodeString(s)
	if err != nil || len(fp) == 0 {
		return nil, fmt.Errorf("invalid fingerprint %q", s)
	}
	return fp, nil
}

func stateBadge(s *theme.Styles, state otr.State) string {
	switch state {
	case otr.StateNegotiating:
		return s.Negotiating.Render(state.String())
	case otr.StateEncrypted:
		return s.Encrypted.Render(state.String())
	case otr.StateFinished:
		return s.Finished.Render(state.String())
	default:
		return s.Plaintext.Render(state.String())
	}
}

func trustBadge(s *theme.Styles, verified bool) string {
	if verified {
		return s.Verified.Render("verified")
	}
	return s.Warning.Render("unverified")
}
