package bridge

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/victorjacobs/kiosk-mqtt/errcode"
)

// Command identifies which command topic a message arrived on.
type Command int

const (
	CommandBrightness Command = iota
	CommandDisplay
	CommandUpdate
	CommandVersion
)

func (c Command) String() string {
	switch c {
	case CommandBrightness:
		return "brightness"
	case CommandDisplay:
		return "display"
	case CommandUpdate:
		return "update"
	case CommandVersion:
		return "version"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

type Display string

const (
	DisplayOn  Display = "ON"
	DisplayOff Display = "OFF"
)

type IntentKind int

const (
	SetBrightness IntentKind = iota
	SetDisplay
	RequestState
	RequestUpdate
	Ignore
)

// Intent is what a command asks the device to do. Percent is set for SetBrightness, Display for
// SetDisplay.
type Intent struct {
	Kind    IntentKind
	Percent int
	Display Display
}

func (i Intent) String() string {
	switch i.Kind {
	case SetBrightness:
		return fmt.Sprintf("brightness %v%%", i.Percent)
	case SetDisplay:
		return "display " + string(i.Display)
	case RequestState:
		return "state request"
	case RequestUpdate:
		return "update"
	}
	return "ignore"
}

var updateTokens = map[string]bool{
	"pull":   true,
	"update": true,
	"1":      true,
	"true":   true,
	"":       true,
}

// Normalize turns a raw command payload into an Intent. It does not touch the device.
func Normalize(cmd Command, b []byte) (Intent, error) {
	switch cmd {
	case CommandBrightness:
		return normalizeBrightness(decodePayload(b))
	case CommandDisplay:
		return normalizeDisplay(decodePayload(b))
	case CommandUpdate:
		if updateTokens[strings.ToLower(strings.TrimSpace(string(b)))] {
			return Intent{Kind: RequestUpdate}, nil
		}
		return Intent{Kind: Ignore}, nil
	case CommandVersion:
		return Intent{Kind: RequestState}, nil
	}

	return Intent{}, fmt.Errorf("unknown command %v", cmd)
}

// normalizeBrightness accepts a bare percentage, or an object with "state" and/or "brightness" where
// brightness uses the 0..255 scale when it fits and is a percentage otherwise.
func normalizeBrightness(p payload) (Intent, error) {
	var state Display
	percent, hasPercent := 0, false

	switch p.kind {
	case payloadObject:
		if v, ok := p.object["state"]; ok {
			s, isString := v.(string)
			state = Display(strings.ToUpper(strings.TrimSpace(s)))
			if !isString || (state != DisplayOn && state != DisplayOff) {
				return Intent{}, errcode.New(errcode.InvalidState, "brightness", "brightness state must be ON or OFF")
			}
		}

		if v, ok := p.object["brightness"]; ok {
			value, err := number(valuePayload(v))
			if err != nil {
				return Intent{}, errcode.Wrap(errcode.InvalidPayload, "brightness", "brightness must be numeric", err)
			}
			if value >= 0 && value <= 255 {
				percent = clampPercent(math.Round(value * 100 / 255))
			} else {
				percent = clampPercent(math.Round(value))
			}
			hasPercent = true
		}
	case payloadNumber, payloadString:
		value, err := number(p)
		if err != nil {
			return Intent{}, errcode.Wrap(errcode.InvalidPayload, "brightness", "brightness must be numeric", err)
		}
		percent, hasPercent = clampPercent(math.Trunc(value)), true
	case payloadBool, payloadNull, payloadArray:
		return Intent{}, errcode.New(errcode.InvalidPayload, "brightness", fmt.Sprintf("unsupported brightness payload %q", p.raw))
	}

	switch {
	case state == DisplayOff:
		return Intent{Kind: SetDisplay, Display: DisplayOff}, nil
	case hasPercent:
		return Intent{Kind: SetBrightness, Percent: percent}, nil
	case state == DisplayOn:
		return Intent{Kind: SetDisplay, Display: DisplayOn}, nil
	}

	// Neither structured nor a JSON number: last chance as plain text.
	value, err := parseNumber(p.raw)
	if err != nil {
		return Intent{}, errcode.Wrap(errcode.InvalidPayload, "brightness", fmt.Sprintf("cannot parse brightness %q", p.raw), err)
	}

	return Intent{Kind: SetBrightness, Percent: clampPercent(math.Trunc(value))}, nil
}

// normalizeDisplay accepts ON/OFF words, booleans, 0/1 and {"state": ...}. Text that starts like JSON
// must be valid JSON.
func normalizeDisplay(p payload) (Intent, error) {
	if p.looksStructured() {
		return Intent{}, errcode.Wrap(errcode.MalformedPayload, "display", "failed to parse display JSON payload", p.parseErr)
	}

	value := p
	if p.kind == payloadObject {
		v, ok := p.object["state"]
		if !ok {
			return Intent{}, errcode.New(errcode.MissingState, "display", "display JSON payload must include 'state'")
		}
		value = valuePayload(v)
	}

	display, err := displayOf(value)
	if err != nil {
		return Intent{}, err
	}

	return Intent{Kind: SetDisplay, Display: display}, nil
}

func displayOf(p payload) (Display, error) {
	switch p.kind {
	case payloadBool:
		if p.boolean {
			return DisplayOn, nil
		}
		return DisplayOff, nil
	case payloadNumber:
		switch p.number {
		case 1:
			return DisplayOn, nil
		case 0:
			return DisplayOff, nil
		}
		return "", errcode.New(errcode.InvalidNumeric, "display", "display numeric payload must be 1 or 0")
	}

	if s, ok := p.text(); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "ON", "TRUE", "1":
			return DisplayOn, nil
		case "OFF", "FALSE", "0":
			return DisplayOff, nil
		}
	}

	return "", errcode.New(errcode.InvalidState, "display", "display payload must be ON or OFF")
}

var errNotANumber = errors.New("not a number")

// number reads a JSON number or a numeric string.
func number(p payload) (float64, error) {
	switch p.kind {
	case payloadNumber:
		return p.number, nil
	case payloadString:
		return parseNumber(p.str)
	}
	return 0, errNotANumber
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return v, nil
}

// clampPercent converts an already rounded value to a percentage in [0, 100].
func clampPercent(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}
