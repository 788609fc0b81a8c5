package platform

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPowerSupplyPath is the Linux power supply class directory.
const DefaultPowerSupplyPath = "/sys/class/power_supply"

// readBattery returns voltage (volts) and capacity (percent) of the first
// supply of type Battery under dir.
func readBattery(dir string) (voltage, charge float64, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, false
	}
	for _, e := range entries {
		supply := filepath.Join(dir, e.Name())
		if readString(filepath.Join(supply, "type")) != "Battery" {
			continue
		}
		uv, err := readInt(filepath.Join(supply, "voltage_now"))
		if err != nil {
			continue
		}
		capacity, err := readInt(filepath.Join(supply, "capacity"))
		if err != nil {
			continue
		}
		return float64(uv) / 1e6, float64(capacity), true
	}
	return 0, 0, false
}

func readString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}
