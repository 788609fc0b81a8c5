package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/nugget/beacon/internal/telemetry"
)

func testOptions() Options {
	return Options{
		IDProperty:             "id",
		NameProperty:           "name",
		UptimeProperty:         "ut",
		FreeMemoryProperty:     "mem",
		BatteryVoltageProperty: "bv",
		BatteryChargeProperty:  "bc",
		TimestampProperty:      "ts",
		IncludeUptime:          true,
		IncludeTimestamp:       true,
		DecimalPlaces:          3,
	}
}

func testFacts() Facts {
	return Facts{
		DeviceID:       "0190d1b2-7c1e-7abc-8def-0123456789ab",
		DeviceName:     "porch",
		UptimeMillis:   123456,
		FreeMemory:     40960,
		BatteryVoltage: 3.91,
		BatteryCharge:  87.25,
		Timestamp:      "2026-10-19T08:30:00-07:00",
	}
}

func TestEncode_FlatObject(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("temp", telemetry.Decimal(21.456789, telemetry.DefaultPrecision))
	s.Set("door", telemetry.Bool(true))
	s.Set("count", telemetry.Int(42))
	s.Set("label", telemetry.Text(`say "hi"`))

	got, res := Encode(s, testFacts(), testOptions(), 480)
	if res != OK {
		t.Fatalf("Encode() result = %v, want ok", res)
	}

	want := `{"id":"0190d1b2-7c1e-7abc-8def-0123456789ab","temp":21.457,"door":true,"count":42,"label":"say \"hi\"","ut":123456,"ts":"2026-10-19T08:30:00-07:00"}`
	if string(got) != want {
		t.Errorf("Encode() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestEncode_ReservedKeysFollowOptions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		present []string
		absent  []string
	}{
		{
			name:    "defaults",
			mutate:  func(*Options) {},
			present: []string{"id", "ut", "ts"},
			absent:  []string{"name", "mem", "bv", "bc"},
		},
		{
			name: "everything",
			mutate: func(o *Options) {
				o.IncludeName = true
				o.IncludeFreeMemory = true
				o.IncludeBattery = true
			},
			present: []string{"id", "name", "ut", "mem", "bv", "bc", "ts"},
		},
		{
			name: "id only",
			mutate: func(o *Options) {
				o.IncludeUptime = false
				o.IncludeTimestamp = false
			},
			present: []string{"id"},
			absent:  []string{"ut", "ts"},
		},
		{
			name:    "custom id property",
			mutate:  func(o *Options) { o.IDProperty = "device" },
			present: []string{"device"},
			absent:  []string{"id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)

			got, res := Encode(telemetry.NewStore(), testFacts(), opts, 480)
			if res != OK {
				t.Fatalf("Encode() result = %v, want ok", res)
			}
			if len(got) > 480 {
				t.Errorf("len = %d, exceeds budget", len(got))
			}

			var obj map[string]any
			if err := json.Unmarshal(got, &obj); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", got, err)
			}
			for _, k := range tt.present {
				if _, ok := obj[k]; !ok {
					t.Errorf("key %q missing from %s", k, got)
				}
			}
			for _, k := range tt.absent {
				if _, ok := obj[k]; ok {
					t.Errorf("key %q unexpectedly present in %s", k, got)
				}
			}
		})
	}
}

func TestEncode_UnitsNestOneLevel(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("pressure", telemetry.DecimalUnits(1013.26, "hPa", 1))
	s.Set("rpm", telemetry.IntUnits(1200, "rpm"))

	opts := testOptions()
	opts.IncludeUptime = false
	opts.IncludeTimestamp = false

	got, res := Encode(s, testFacts(), opts, 480)
	if res != OK {
		t.Fatalf("Encode() result = %v", res)
	}
	want := `{"id":"0190d1b2-7c1e-7abc-8def-0123456789ab","pressure":{"value":1013.3,"units":"hPa"},"rpm":{"value":1200,"units":"rpm"}}`
	if string(got) != want {
		t.Errorf("Encode() = %s, want %s", got, want)
	}
}

func TestEncode_NonFiniteBecomesNull(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("bad", telemetry.Decimal(math.NaN(), 2))

	got, res := Encode(s, testFacts(), Options{IDProperty: "id"}, 480)
	if res != OK {
		t.Fatalf("Encode() result = %v", res)
	}
	if !strings.Contains(string(got), `"bad":null`) {
		t.Errorf("Encode() = %s, want bad:null", got)
	}
	if !json.Valid(got) {
		t.Errorf("Encode() produced invalid JSON: %s", got)
	}
}

func TestEncode_RemovedNameOmitted(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("keep", telemetry.Int(1))
	s.Set("drop", telemetry.Int(2))
	s.Remove("drop")

	got, _ := Encode(s, testFacts(), testOptions(), 480)
	if strings.Contains(string(got), `"drop"`) {
		t.Errorf("removed key still encoded: %s", got)
	}

	s.Set("drop", telemetry.Int(3))
	got, _ = Encode(s, testFacts(), testOptions(), 480)
	if !strings.Contains(string(got), `"drop":3`) {
		t.Errorf("reinstated key missing: %s", got)
	}
}

func TestEncode_OverflowFortyFields(t *testing.T) {
	s := telemetry.NewStore()
	for i := range 40 {
		s.Set(fmt.Sprintf("sensor_%02d", i), telemetry.Decimal(1234.5678, 4))
	}

	got, res := Encode(s, testFacts(), testOptions(), 480)
	if res != Overflow {
		t.Fatalf("Encode() result = %v, want overflow", res)
	}
	if got != nil {
		t.Errorf("Encode() returned %d bytes on overflow, want nil", len(got))
	}
}

func TestEncode_BudgetBoundary(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("a", telemetry.Int(1))
	s.Set("b", telemetry.DecimalUnits(2.5, "m", 1))

	full, res := Encode(s, testFacts(), testOptions(), 4096)
	if res != OK {
		t.Fatalf("unbounded Encode() result = %v", res)
	}

	exact, res := Encode(s, testFacts(), testOptions(), len(full))
	if res != OK || string(exact) != string(full) {
		t.Errorf("exact budget: got %v %s, want ok %s", res, exact, full)
	}

	for _, budget := range []int{len(full) - 1, len(full) / 2, 1, 0, -5} {
		if _, res := Encode(s, testFacts(), testOptions(), budget); res != Overflow {
			t.Errorf("budget %d: result = %v, want overflow", budget, res)
		}
	}
}

// A truncation that happens to end on a nested object's closing brace
// must still be reported as an overflow.
func TestEncode_TruncatedAtNestedBrace(t *testing.T) {
	s := telemetry.NewStore()
	s.Set("v", telemetry.IntUnits(7, "x"))
	opts := Options{IDProperty: "id"}

	full, _ := Encode(s, Facts{DeviceID: "d"}, opts, 4096)
	// Cut off only the outer closing brace.
	if _, res := Encode(s, Facts{DeviceID: "d"}, opts, len(full)-1); res != Overflow {
		t.Errorf("result = %v, want overflow", res)
	}
}

func TestErrorPayload(t *testing.T) {
	got := ErrorPayload("id", "abc-123", 1)
	if want := `{"id":"abc-123","error":1}`; string(got) != want {
		t.Errorf("ErrorPayload() = %s, want %s", got, want)
	}

	var obj struct {
		ID    string `json:"id"`
		Error int    `json:"error"`
	}
	if err := json.Unmarshal(ErrorPayload("id", "abc", 128), &obj); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if obj.ID != "abc" || obj.Error != 128 {
		t.Errorf("decoded = %+v", obj)
	}
}

func TestErrorPayload_FitsBudgetWithUUID(t *testing.T) {
	got := ErrorPayload("id", testFacts().DeviceID, 128)
	if len(got) > 480 {
		t.Errorf("error payload is %d bytes, exceeds 480", len(got))
	}
}
