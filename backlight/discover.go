package backlight

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Available lists the backlight devices under base, sorted by name.
func Available(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		// sysfs exposes class devices as symlinks to directories
		if info, err := os.Stat(filepath.Join(base, entry.Name())); err == nil && info.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}

// Discover resolves the backlight directory to control. The configured name wins when present, otherwise
// a lone device is picked. The chosen device must expose brightness and max_brightness.
func Discover(base, name string) (string, error) {
	names, err := Available(base)
	if err != nil {
		return "", fmt.Errorf("listing backlights in %v: %w", base, err)
	}

	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}

	if !found {
		if len(names) != 1 {
			detected := "(none)"
			if len(names) > 0 {
				detected = strings.Join(names, ", ")
			}
			return "", fmt.Errorf("backlight device not found: %v. Detected: %v", name, detected)
		}

		log.Warnf("Backlight %v not found, using %v", name, names[0])
		name = names[0]
	}

	dir := filepath.Join(base, name)

	var missing []string
	for _, f := range []string{brightnessFile, maxBrightnessFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("backlight device missing required files at %v: %v", dir, strings.Join(missing, ", "))
	}

	return dir, nil
}
