package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips whitespace and rewrites a local leading zero to the
// deployment's country prefix.
// TODO -  may use libphonenumber
func NormalizePhone(p, localPrefix string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
	if localPrefix != "" && strings.HasPrefix(p, "0") {
		return localPrefix + p[1:]
	}
	return p
}

func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func NewComplaintID() string {
	t := time.Now().UTC()
	return "cmp_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
