package lto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tinyrange/lto/internal/backend"
)

const fingerprintVersion = "lto-unit-v1"

// Fingerprint identifies everything that affects the object compiled for u:
// the backend, the target and, per module, its origin, content and the
// resolution of every symbol. The unit index is not part of it, so a unit
// that moves to another slot still hits.
func Fingerprint(backendName string, u *backend.Unit) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", fingerprintVersion, backendName, u.Target.Fingerprint())
	for _, m := range u.Modules {
		sum := sha256.Sum256(m.Source)
		fmt.Fprintf(h, "module\x00%s\x00%x\x00%d\x00", m.ID(), sum, len(m.Symbols))
		for _, s := range m.Symbols {
			res, _ := s.Resolution()
			fmt.Fprintf(h, "%s\x00%d\x00%t\x00%t\x00", s.Name, s.Kind, res.Prevailing, res.VisibleOutsideLTO)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
