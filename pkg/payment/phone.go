package payment

import (
	"fmt"
	"strings"
)

// MSISDNLength is the digit count of a canonical number, country code included.
const MSISDNLength = 12

// NormalizedPhone wraps a canonical MSISDN. The zero value is not valid.
type NormalizedPhone struct {
	msisdn string
}

func (p NormalizedPhone) String() string { return p.msisdn }

// Normalize converts local formats ("0712 345 678", "712345678", "+254712345678") into the
// canonical MSISDN for countryCode.
func Normalize(raw, countryCode string) (NormalizedPhone, error) {
	digits := onlyDigits(raw)
	cc := onlyDigits(countryCode)
	if cc == "" {
		return NormalizedPhone{}, fmt.Errorf("%w: empty country code", ErrInvalidPhoneFormat)
	}

	switch {
	case len(digits) == 10 && digits[0] == '0':
		digits = cc + digits[1:]
	case len(digits) == 9:
		digits = cc + digits
	case len(digits) == MSISDNLength && strings.HasPrefix(digits, cc):
	default:
		return NormalizedPhone{}, fmt.Errorf("%w: %q", ErrInvalidPhoneFormat, raw)
	}

	if len(digits) != MSISDNLength {
		return NormalizedPhone{}, fmt.Errorf("%w: %q does not fit country code %s", ErrInvalidPhoneFormat, raw, cc)
	}
	return NormalizedPhone{msisdn: digits}, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
