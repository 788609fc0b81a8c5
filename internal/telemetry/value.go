// Package telemetry holds the named measurement values an agent publishes
// every cycle. Values are a closed set of kinds; a [Store] keeps them in a
// stable insertion order so encoded payloads are deterministic.
package telemetry

import "fmt"

// Kind identifies which variant a [Value] carries.
type Kind int

const (
	KindBool Kind = iota
	KindText
	KindInteger
	KindDecimal
	KindIntegerUnits
	KindDecimalUnits
)

// String returns the kind name for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindIntegerUnits:
		return "integer_units"
	case KindDecimalUnits:
		return "decimal_units"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultPrecision asks the encoder to use its configured decimal places.
const DefaultPrecision = -1

// Value is a single measurement. Construct one with [Bool], [Text], [Int],
// [Decimal], [IntUnits] or [DecimalUnits]; the zero Value is boolean false.
type Value struct {
	kind      Kind
	b         bool
	s         string
	i         int64
	f         float64
	precision int
	units     string
}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Text returns a string value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInteger, i: n} }

// Decimal returns a floating point value rendered with precision decimal
// places. Pass [DefaultPrecision] to use the encoder default.
func Decimal(f float64, precision int) Value {
	return Value{kind: KindDecimal, f: f, precision: normalizePrecision(precision)}
}

// IntUnits returns an integer value tagged with units. It encodes as a
// nested {"value": n, "units": u} object.
func IntUnits(n int64, units string) Value {
	return Value{kind: KindIntegerUnits, i: n, units: units}
}

// DecimalUnits returns a floating point value tagged with units, rendered
// with precision decimal places.
func DecimalUnits(f float64, units string, precision int) Value {
	return Value{kind: KindDecimalUnits, f: f, units: units, precision: normalizePrecision(precision)}
}

func normalizePrecision(p int) int {
	if p < 0 {
		return DefaultPrecision
	}
	return p
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean payload. Only meaningful for [KindBool].
func (v Value) Bool() bool { return v.b }

// Text returns the string payload. Only meaningful for [KindText].
func (v Value) Text() string { return v.s }

// Int returns the integer payload for integer kinds.
func (v Value) Int() int64 { return v.i }

// Float returns the floating point payload for decimal kinds.
func (v Value) Float() float64 { return v.f }

// Precision returns the requested decimal places, or [DefaultPrecision].
func (v Value) Precision() int { return v.precision }

// Units returns the units string for units-bearing kinds.
func (v Value) Units() string { return v.units }

// HasUnits reports whether v encodes as a nested value/units pair.
func (v Value) HasUnits() bool {
	return v.kind == KindIntegerUnits || v.kind == KindDecimalUnits
}

// String renders v for logs. It is not the wire encoding.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindText:
		return fmt.Sprintf("%q", v.s)
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindDecimal:
		return fmt.Sprintf("%g", v.f)
	case KindIntegerUnits:
		return fmt.Sprintf("%d %s", v.i, v.units)
	case KindDecimalUnits:
		return fmt.Sprintf("%g %s", v.f, v.units)
	default:
		return "?"
	}
}
