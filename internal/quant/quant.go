// Package quant implements mixed-precision linear quantization over the
// precision ladder {Fp32, Fp16, Int8, Int4, Int2, Bit1}, plus precision
// selection driven by a token's salience score and inferred role.
package quant

import (
	"fmt"
	"math"

	"github.com/databloom/kvquant-core/internal/errs"
)

// Precision identifies a point on the quantization ladder, named by its bit
// width.
type Precision int

const (
	Fp32 Precision = 32
	Fp16 Precision = 16
	Int8 Precision = 8
	Int4 Precision = 4
	Int2 Precision = 2
	Bit1 Precision = 1
)

func (p Precision) String() string {
	switch p {
	case Fp32:
		return "fp32"
	case Fp16:
		return "fp16"
	case Int8:
		return "int8"
	case Int4:
		return "int4"
	case Int2:
		return "int2"
	case Bit1:
		return "bit1"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// Valid reports whether p is one of the supported ladder rungs.
func (p Precision) Valid() bool {
	switch p {
	case Fp32, Fp16, Int8, Int4, Int2, Bit1:
		return true
	default:
		return false
	}
}

// levels returns the number of representable quantized levels for an
// integer precision. Fp32/Fp16 are stored as float bit patterns and have no
// level count.
func (p Precision) levels() (int64, bool) {
	switch p {
	case Int8:
		return 1 << 8, true
	case Int4:
		return 1 << 4, true
	case Int2:
		return 1 << 2, true
	case Bit1:
		return 1 << 1, true
	default:
		return 0, false
	}
}

// Ladder orders precisions from highest to lowest fidelity and is the
// sequence SelectPrecision walks down as salience drops.
type Ladder []Precision

// DefaultLadder is the ladder used when no custom ordering is configured.
var DefaultLadder = Ladder{Fp16, Int8, Int4}

// Top returns the highest-fidelity rung.
func (l Ladder) Top() Precision { return l[0] }

// Middle returns the mid-fidelity rung.
func (l Ladder) Middle() Precision { return l[len(l)/2] }

// Bottom returns the lowest-fidelity rung.
func (l Ladder) Bottom() Precision { return l[len(l)-1] }

// RuleSet is the active set of symbolic precision rules, matched verbatim.
type RuleSet []string

// RuleNegationHighPrecision forces negation-role tokens to the top of the
// ladder regardless of their salience band.
const RuleNegationHighPrecision = "negations require high precision"

// Contains reports whether rule is active.
func (rs RuleSet) Contains(rule string) bool {
	for _, r := range rs {
		if r == rule {
			return true
		}
	}
	return false
}

// SelectPrecision picks the ladder rung for a token: salience above 0.8
// keeps the top rung, above 0.5 the middle, everything else the bottom.
// A token whose inferred role is "negation" is raised to the top of the
// ladder when the active rule set demands it.
func SelectPrecision(salience float32, role string, rules RuleSet, ladder Ladder) Precision {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	if role == "negation" && rules.Contains(RuleNegationHighPrecision) {
		return ladder.Top()
	}
	switch {
	case salience > 0.8:
		return ladder.Top()
	case salience > 0.5:
		return ladder.Middle()
	default:
		return ladder.Bottom()
	}
}

// Quantized holds a quantized tensor and the parameters needed to recover
// approximate original values via Dequantize. For integer precisions Data
// holds the signed (symmetric) or offset (asymmetric) codes; for Fp32/Fp16
// it holds the raw float bit patterns and Scale/ZeroPoint are identity.
type Quantized struct {
	Precision Precision
	Data      []int64
	Scale     float32
	ZeroPoint int64
	Symmetric bool
}

// QuantizeSymmetric performs symmetric linear quantization: zero maps to
// zero, scale is derived from the maximum absolute value in values. The
// float widths (16, 32) bypass integer quantization and store the value's
// float representation directly.
func QuantizeSymmetric(values []float32, precision Precision) (Quantized, error) {
	if !precision.Valid() {
		return Quantized{}, fmt.Errorf("quant: %w: %s", errs.ErrUnsupportedPrecision, precision)
	}
	if len(values) == 0 {
		return Quantized{}, errs.ErrEmptyTensor
	}
	if precision == Fp32 || precision == Fp16 {
		return quantizeFloat(values, precision, true), nil
	}
	levels, _ := precision.levels()

	maxAbs := float32(0)
	for _, v := range values {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	half := float32(levels/2 - 1)
	if half == 0 {
		half = 1 // Bit1 has a single non-zero level
	}
	scale := maxAbs / half
	if scale == 0 {
		scale = 1
	}

	data := make([]int64, len(values))
	lo, hi := -levels/2, levels/2-1
	if hi < lo {
		hi = lo
	}
	for i, v := range values {
		q := int64(math.Round(float64(v / scale)))
		if q < lo {
			q = lo
		}
		if q > hi {
			q = hi
		}
		data[i] = q
	}

	return Quantized{Precision: precision, Data: data, Scale: scale, ZeroPoint: 0, Symmetric: true}, nil
}

// QuantizeAsymmetric performs asymmetric linear quantization: the value
// range [min, max] is mapped onto the full unsigned level range, with a
// zero_point offset recovering the true zero. The float widths (16, 32)
// bypass integer quantization and store the value's float representation
// directly.
func QuantizeAsymmetric(values []float32, precision Precision) (Quantized, error) {
	if !precision.Valid() {
		return Quantized{}, fmt.Errorf("quant: %w: %s", errs.ErrUnsupportedPrecision, precision)
	}
	if len(values) == 0 {
		return Quantized{}, errs.ErrEmptyTensor
	}
	if precision == Fp32 || precision == Fp16 {
		return quantizeFloat(values, precision, false), nil
	}
	levels, _ := precision.levels()

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	scale := span / float32(levels-1)
	if scale == 0 {
		scale = 1
	}
	zeroPoint := int64(math.Round(float64(-min / scale)))

	data := make([]int64, len(values))
	for i, v := range values {
		q := int64(math.Round(float64(v/scale))) + zeroPoint
		if q < 0 {
			q = 0
		}
		if q > levels-1 {
			q = levels - 1
		}
		data[i] = q
	}

	return Quantized{Precision: precision, Data: data, Scale: scale, ZeroPoint: zeroPoint, Symmetric: false}, nil
}

// quantizeFloat stores values as raw float bit patterns: float32 bits for
// Fp32, rounded float16 bits for Fp16.
func quantizeFloat(values []float32, precision Precision, symmetric bool) Quantized {
	data := make([]int64, len(values))
	for i, v := range values {
		if precision == Fp16 {
			data[i] = int64(float32ToFloat16Bits(v))
		} else {
			data[i] = int64(math.Float32bits(v))
		}
	}
	return Quantized{Precision: precision, Data: data, Scale: 1, ZeroPoint: 0, Symmetric: symmetric}
}

// Dequantize recovers an approximate float32 tensor from q.
func Dequantize(q Quantized) []float32 {
	out := make([]float32, len(q.Data))
	for i, v := range q.Data {
		switch q.Precision {
		case Fp32:
			out[i] = math.Float32frombits(uint32(v))
		case Fp16:
			out[i] = float16BitsToFloat32(uint16(v))
		default:
			out[i] = float32(v-q.ZeroPoint) * q.Scale
		}
	}
	return out
}

// Validate checks that every value in original round-trips through q within
// the error bound of scale/2. Returns an error naming the first offending
// index.
func Validate(original []float32, q Quantized) error {
	if len(original) != len(q.Data) {
		return fmt.Errorf("quant: %w: length mismatch %d vs %d", errs.New(errs.InvalidArgument, "quant: length mismatch"), len(original), len(q.Data))
	}
	recovered := Dequantize(q)
	bound := float64(q.Scale) / 2
	if q.Precision == Fp16 {
		// fp16 rounding error is bounded by half a ulp of the largest input.
		maxAbs := 0.0
		for _, v := range original {
			if a := math.Abs(float64(v)); a > maxAbs {
				maxAbs = a
			}
		}
		bound = maxAbs / 2048
	}
	for i, orig := range original {
		diff := math.Abs(float64(orig) - float64(recovered[i]))
		if diff > bound+1e-6 {
			return fmt.Errorf("quant: round-trip error %.6f exceeds bound %.6f at index %d", diff, bound, i)
		}
	}
	return nil
}

// PackCodes renders q.Data as the wire codes blob: sub-byte precisions are
// bit-packed MSB-first after offsetting into the unsigned code range, Int8
// takes one byte per code, and the float widths store their bit patterns
// little-endian.
func (q Quantized) PackCodes() []byte {
	switch q.Precision {
	case Fp32:
		out := make([]byte, 4*len(q.Data))
		for i, v := range q.Data {
			bits := uint32(v)
			out[4*i] = byte(bits)
			out[4*i+1] = byte(bits >> 8)
			out[4*i+2] = byte(bits >> 16)
			out[4*i+3] = byte(bits >> 24)
		}
		return out
	case Fp16:
		out := make([]byte, 2*len(q.Data))
		for i, v := range q.Data {
			bits := uint16(v)
			out[2*i] = byte(bits)
			out[2*i+1] = byte(bits >> 8)
		}
		return out
	}

	width := int(q.Precision)
	offset := q.codeOffset()
	perByte := 8 / width
	out := make([]byte, (len(q.Data)+perByte-1)/perByte)
	for i, v := range q.Data {
		u := uint8(v + offset)
		byteIdx := i / perByte
		shift := uint((perByte - 1 - i%perByte) * width)
		out[byteIdx] |= u << shift
	}
	return out
}

// UnpackCodes reverses PackCodes for n codes of the given precision,
// reconstructing the signed/offset Data slice.
func UnpackCodes(codes []byte, n int, precision Precision, symmetric bool) ([]int64, error) {
	if !precision.Valid() {
		return nil, fmt.Errorf("quant: %w: %s", errs.ErrUnsupportedPrecision, precision)
	}
	switch precision {
	case Fp32:
		if len(codes) < 4*n {
			return nil, errs.New(errs.InvalidArgument, "quant: codes blob too short")
		}
		data := make([]int64, n)
		for i := 0; i < n; i++ {
			bits := uint32(codes[4*i]) | uint32(codes[4*i+1])<<8 | uint32(codes[4*i+2])<<16 | uint32(codes[4*i+3])<<24
			data[i] = int64(bits)
		}
		return data, nil
	case Fp16:
		if len(codes) < 2*n {
			return nil, errs.New(errs.InvalidArgument, "quant: codes blob too short")
		}
		data := make([]int64, n)
		for i := 0; i < n; i++ {
			data[i] = int64(uint16(codes[2*i]) | uint16(codes[2*i+1])<<8)
		}
		return data, nil
	}

	width := int(precision)
	perByte := 8 / width
	if len(codes) < (n+perByte-1)/perByte {
		return nil, errs.New(errs.InvalidArgument, "quant: codes blob too short")
	}
	offset := (Quantized{Precision: precision, Symmetric: symmetric}).codeOffset()
	mask := uint8(1<<width - 1)
	data := make([]int64, n)
	for i := 0; i < n; i++ {
		byteIdx := i / perByte
		shift := uint((perByte - 1 - i%perByte) * width)
		u := (codes[byteIdx] >> shift) & mask
		data[i] = int64(u) - offset
	}
	return data, nil
}

// codeOffset is the shift mapping signed symmetric codes into the unsigned
// packed range; asymmetric codes are already unsigned.
func (q Quantized) codeOffset() int64 {
	if !q.Symmetric {
		return 0
	}
	levels, ok := q.Precision.levels()
	if !ok {
		return 0
	}
	return levels / 2
}

// float32ToFloat16Bits converts f to IEEE 754 half-precision bits with
// round-to-nearest, flushing out-of-range magnitudes to infinity.
func float32ToFloat16Bits(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits >> 16 & 0x8000)
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow and NaN both saturate the exponent; NaN keeps a mantissa bit.
		if bits&0x7fffffff > 0x7f800000 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if mant&0x1000 != 0 {
			half++
		}
		return half
	}
}

// float16BitsToFloat32 converts IEEE 754 half-precision bits to float32.
func float16BitsToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Normalize the subnormal.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
	}
}
