// Package payload serializes a telemetry store plus platform facts into a
// single flat JSON object that must fit a fixed byte budget. Encoding is
// pure: it reads its inputs and returns bytes, nothing else.
package payload

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/nugget/beacon/internal/telemetry"
)

// Result reports whether an encode fit the budget.
type Result int

const (
	// OK means the payload is complete and within budget.
	OK Result = iota
	// Overflow means the payload did not fit and was discarded.
	Overflow
)

// String returns the result name.
func (r Result) String() string {
	if r == OK {
		return "ok"
	}
	return "overflow"
}

// Facts is a frozen snapshot of the platform readings taken at the end of
// a cycle. Fields are only emitted when the matching [Options] flag is set.
type Facts struct {
	DeviceID       string
	DeviceName     string
	UptimeMillis   int64
	FreeMemory     uint64
	BatteryVoltage float64
	BatteryCharge  float64
	Timestamp      string
}

// Options names the reserved properties and selects which facts appear.
type Options struct {
	IDProperty string

	IncludeName  bool
	NameProperty string

	IncludeUptime  bool
	UptimeProperty string

	IncludeFreeMemory  bool
	FreeMemoryProperty string

	IncludeBattery         bool
	BatteryVoltageProperty string
	BatteryChargeProperty  string

	IncludeTimestamp  bool
	TimestampProperty string

	// DecimalPlaces applies to decimals set with DefaultPrecision and to
	// battery readings.
	DecimalPlaces int
}

// Encode renders store and facts as JSON within maxBytes. Key order is the
// device id, the optional name, the store entries in store order, then
// uptime, free memory, battery and timestamp. If the object does not fit,
// Encode returns nil and [Overflow]; it never produces more than maxBytes.
func Encode(store *telemetry.Store, facts Facts, opts Options, maxBytes int) ([]byte, Result) {
	w := &boundedWriter{max: maxBytes}
	if maxBytes > 0 {
		w.buf = make([]byte, 0, maxBytes)
	}

	obj := objectWriter{w: w}
	obj.open()
	obj.key(opts.IDProperty)
	w.writeString(quote(facts.DeviceID))

	if opts.IncludeName {
		obj.key(opts.NameProperty)
		w.writeString(quote(facts.DeviceName))
	}

	if store != nil {
		store.Range(func(name string, v telemetry.Value) bool {
			obj.key(name)
			writeValue(w, v, opts.DecimalPlaces)
			return !w.truncated
		})
	}

	if opts.IncludeUptime {
		obj.key(opts.UptimeProperty)
		w.writeString(strconv.FormatInt(facts.UptimeMillis, 10))
	}
	if opts.IncludeFreeMemory {
		obj.key(opts.FreeMemoryProperty)
		w.writeString(strconv.FormatUint(facts.FreeMemory, 10))
	}
	if opts.IncludeBattery {
		obj.key(opts.BatteryVoltageProperty)
		w.writeString(formatFloat(facts.BatteryVoltage, opts.DecimalPlaces))
		obj.key(opts.BatteryChargeProperty)
		w.writeString(formatFloat(facts.BatteryCharge, opts.DecimalPlaces))
	}
	if opts.IncludeTimestamp {
		obj.key(opts.TimestampProperty)
		w.writeString(quote(facts.Timestamp))
	}
	obj.close()

	n := len(w.buf)
	if w.truncated || n == 0 || w.buf[n-1] != '}' {
		return nil, Overflow
	}
	return w.buf, OK
}

// ErrorPayload returns the fixed fallback report published when the normal
// payload cannot be sent: {"<idProp>":"<deviceID>","error":<code>}.
func ErrorPayload(idProp, deviceID string, code int) []byte {
	b := make([]byte, 0, 32+len(idProp)+len(deviceID))
	b = append(b, '{')
	b = append(b, quote(idProp)...)
	b = append(b, ':')
	b = append(b, quote(deviceID)...)
	b = append(b, `,"error":`...)
	b = strconv.AppendInt(b, int64(code), 10)
	b = append(b, '}')
	return b
}

func writeValue(w *boundedWriter, v telemetry.Value, defaultPrec int) {
	switch v.Kind() {
	case telemetry.KindBool:
		w.writeString(strconv.FormatBool(v.Bool()))
	case telemetry.KindText:
		w.writeString(quote(v.Text()))
	case telemetry.KindInteger:
		w.writeString(strconv.FormatInt(v.Int(), 10))
	case telemetry.KindDecimal:
		w.writeString(formatFloat(v.Float(), precision(v, defaultPrec)))
	case telemetry.KindIntegerUnits, telemetry.KindDecimalUnits:
		nested := objectWriter{w: w}
		nested.open()
		nested.key("value")
		if v.Kind() == telemetry.KindIntegerUnits {
			w.writeString(strconv.FormatInt(v.Int(), 10))
		} else {
			w.writeString(formatFloat(v.Float(), precision(v, defaultPrec)))
		}
		nested.key("units")
		w.writeString(quote(v.Units()))
		nested.close()
	default:
		w.writeString("null")
	}
}

func precision(v telemetry.Value, def int) int {
	if p := v.Precision(); p >= 0 {
		return p
	}
	if def < 0 {
		return 0
	}
	return def
}

// formatFloat renders f with a fixed number of decimals. JSON has no
// encoding for NaN or infinities, so they become null.
func formatFloat(f float64, prec int) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if prec < 0 {
		prec = 0
	}
	return strconv.FormatFloat(f, 'f', prec, 64)
}

func quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
