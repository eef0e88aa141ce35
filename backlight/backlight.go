package backlight

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"github.com/victorjacobs/kiosk-mqtt/errcode"
)

const (
	brightnessFile    = "brightness"
	maxBrightnessFile = "max_brightness"
)

// Device reads and writes a sysfs backlight and remembers the last non-zero brightness in a separate file.
type Device struct {
	mutex           *sync.Mutex
	name            string
	dir             string
	lastNonZeroPath string
}

// NewDevice returns a Device for the backlight directory dir (usually /sys/class/backlight/<name>).
func NewDevice(dir string, lastNonZeroPath string) (*Device, error) {
	if dir == "" {
		return nil, errors.New("NewDevice requires dir")
	}

	return &Device{
		mutex:           new(sync.Mutex),
		name:            filepath.Base(dir),
		dir:             dir,
		lastNonZeroPath: lastNonZeroPath,
	}, nil
}

// Name returns the backlight device name.
func (d *Device) Name() string {
	return d.name
}

// Percent returns the current brightness as a percentage of max_brightness.
func (d *Device) Percent() (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	raw, err := readInt(filepath.Join(d.dir, brightnessFile))
	if err != nil {
		return 0, errcode.Wrap(errcode.DeviceReadError, "percent", "read brightness", err)
	}

	max, err := readInt(filepath.Join(d.dir, maxBrightnessFile))
	if err != nil {
		return 0, errcode.Wrap(errcode.DeviceReadError, "percent", "read max_brightness", err)
	}

	return toPercent(raw, max), nil
}

// SetPercent clamps p to [0, 100] and writes the matching raw value.
func (d *Device) SetPercent(p int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	max, err := readInt(filepath.Join(d.dir, maxBrightnessFile))
	if err != nil {
		return errcode.Wrap(errcode.DeviceWriteError, "set", "read max_brightness", err)
	}

	raw := toRaw(p, max)
	if err := os.WriteFile(filepath.Join(d.dir, brightnessFile), []byte(strconv.Itoa(raw)), 0644); err != nil {
		return errcode.Wrap(errcode.DeviceWriteError, "set", "write brightness", err)
	}

	log.Debugf("Wrote raw brightness %v/%v to %v", raw, max, d.name)

	return nil
}

// SaveLastNonZero persists p as the brightness to restore on the next ON. Zero and negative values are
// ignored. Write errors are not reported.
func (d *Device) SaveLastNonZero(p int) {
	if p <= 0 || d.lastNonZeroPath == "" {
		return
	}

	p = clamp(p, 1, 100)
	if err := os.WriteFile(d.lastNonZeroPath, []byte(strconv.Itoa(p)), 0644); err != nil {
		log.Debugf("Could not persist last brightness: %v", err)
	}
}

// LoadLastNonZero returns the persisted brightness, or def when nothing usable was persisted.
func (d *Device) LoadLastNonZero(def int) int {
	if p, ok := d.lastNonZero(); ok {
		return p
	}

	return def
}

func (d *Device) lastNonZero() (int, bool) {
	if d.lastNonZeroPath == "" {
		return 0, false
	}

	v, err := readInt(d.lastNonZeroPath)
	if err != nil {
		log.Debugf("No usable last brightness: %v", err)
		return 0, false
	}

	return clamp(v, 1, 100), true
}

func toPercent(raw, max int) int {
	if max <= 0 {
		return 0
	}

	return clamp(int(math.Round(float64(raw)*100/float64(max))), 0, 100)
}

func toRaw(p, max int) int {
	if max <= 0 {
		return 0
	}

	p = clamp(p, 0, 100)

	return int(math.Round(float64(max) * float64(p) / 100))
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
