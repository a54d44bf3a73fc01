package transcode

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// NoPTS marks an unset timestamp on a Packet or Frame.
const NoPTS int64 = math.MinInt64

// Rational is a fraction used for time bases and frame rates.
type Rational struct {
	Num int64
	Den int64
}

// Common time bases.
var (
	TimeBaseMicros = Rational{1, 1_000_000}
	TimeBaseMillis = Rational{1, 1000}
	TimeBase90kHz  = Rational{1, 90000}
)

// NewRational returns num/den.
func NewRational(num, den int64) Rational {
	return Rational{Num: num, Den: den}
}

// Valid reports whether the rational has a positive denominator and non-zero numerator.
func (r Rational) Valid() bool {
	return r.Den > 0 && r.Num != 0
}

// Float64 returns the value of the fraction.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns den/num.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// Reduce divides both terms by their greatest common divisor.
func (r Rational) Reduce() Rational {
	g := gcd(abs64(r.Num), abs64(r.Den))
	if g <= 1 {
		return r
	}
	return Rational{Num: r.Num / g, Den: r.Den / g}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// MarshalText implements encoding.TextMarshaler.
func (r Rational) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText accepts "30", "29.97", "30000/1001" and "30:1".
func (r *Rational) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if num, den, ok := strings.Cut(strings.ReplaceAll(s, ":", "/"), "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rational %q: %w", s, err)
		}
		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid rational %q", s)
		}
		*r = Rational{n, d}.Reduce()
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid rational %q: %w", s, err)
	}
	if f == math.Trunc(f) {
		*r = Rational{int64(f), 1}
		return nil
	}
	// Common NTSC rates are n*1000/1001.
	if n := math.Round(f * 1001); math.Abs(n/1001-f) < 1e-3 && int64(n)%1000 == 0 {
		*r = Rational{int64(n), 1001}
		return nil
	}
	*r = Rational{int64(math.Round(f * 1000)), 1000}.Reduce()
	return nil
}

// Rescale converts v from time base `from` to time base `to`, rounding to the
// nearest integer (half away from zero). NoPTS is passed through.
func Rescale(v int64, from, to Rational) int64 {
	if v == NoPTS {
		return NoPTS
	}
	if from == to {
		return v
	}
	// v * from.Num * to.Den / (from.Den * to.Num)
	num := from.Num * to.Den
	den := from.Den * to.Num
	if den == 0 {
		return NoPTS
	}
	if fitsSmall(v) && fitsSmall(num) && fitsSmall(den) {
		return roundDiv(v*num, den)
	}
	b := new(big.Int).Mul(big.NewInt(v), new(big.Int).Mul(big.NewInt(from.Num), big.NewInt(to.Den)))
	d := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))
	half := new(big.Int).Quo(new(big.Int).Abs(d), big.NewInt(2))
	if (b.Sign() < 0) != (d.Sign() < 0) {
		b.Sub(b, half)
	} else {
		b.Add(b, half)
	}
	b.Quo(b, d)
	if !b.IsInt64() {
		return NoPTS
	}
	return b.Int64()
}

// ToDuration converts a timestamp in time base tb to a time.Duration.
func ToDuration(v int64, tb Rational) time.Duration {
	if v == NoPTS {
		return 0
	}
	return time.Duration(Rescale(v, tb, Rational{1, int64(time.Second)}))
}

// FromDuration converts a time.Duration to a timestamp in time base tb.
func FromDuration(d time.Duration, tb Rational) int64 {
	return Rescale(int64(d), Rational{1, int64(time.Second)}, tb)
}

func fitsSmall(v int64) bool {
	return v > -(1<<31) && v < 1<<31
}

func roundDiv(a, b int64) int64 {
	if b < 0 {
		a, b = -a, -b
	}
	if a >= 0 {
		return (a + b/2) / b
	}
	return -((-a + b/2) / b)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
