// Package money holds the minor-unit amount type used for prices and payments.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Amount is a monetary value in minor units (kuruş for TRY, cents for USD).
type Amount int64

// maxWhole is the largest whole-unit value whose minor-unit form fits in int64.
const maxWhole = (math.MaxInt64 - 99) / 100

var ErrInvalidAmount = errors.New("invalid amount")

// FromMajor builds an amount from whole units and minor units, e.g. FromMajor(750, 0).
func FromMajor(major, minor int64) Amount {
	return Amount(major*100 + minor)
}

// Parse reads "750", "750.5" or "750.00". More than two fractional digits is an error.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
		if s == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, "-")
		}
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > 2) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	if !digits(whole) || !digits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > maxWhole {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	a := Amount(w*100 + f)
	if neg {
		a = -a
	}
	return a, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "750.00" and 750.00.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}

	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MulRatio returns a*num/den rounded half away from zero. Results outside the
// int64 range saturate.
func (a Amount) MulRatio(num, den int64) Amount {
	if den == 0 {
		return 0
	}
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	d := big.NewInt(den)

	q, r := new(big.Int).QuoRem(p, d, new(big.Int))
	if new(big.Int).Mul(new(big.Int).Abs(r), big.NewInt(2)).Cmp(new(big.Int).Abs(d)) >= 0 {
		if p.Sign()*d.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}

	switch {
	case q.IsInt64():
		return Amount(q.Int64())
	case q.Sign() > 0:
		return Amount(math.MaxInt64)
	default:
		return Amount(math.MinInt64)
	}
}
