package iyzico

import (
	"github.com/nyaruka/phonenumbers"
)

const (
	defaultRegion    = "TR"
	placeholderPhone = "+905550000000"
)

// NormalizePhone returns the number in E.164, reading bare national numbers
// as Turkish. iyzico rejects buyers without a GSM number, so anything
// unparseable becomes the sandbox placeholder.
func NormalizePhone(raw string) string {
	if raw == "" {
		return placeholderPhone
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return placeholderPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
