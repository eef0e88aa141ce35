package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/victorjacobs/kiosk-mqtt/backlight"
	"github.com/victorjacobs/kiosk-mqtt/config"
	"github.com/victorjacobs/kiosk-mqtt/errcode"
	"github.com/victorjacobs/kiosk-mqtt/git"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeBus struct {
	mu       sync.Mutex
	messages []published
	fail     error
}

func (f *fakeBus) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, published{topic, retained, payload})
	return nil
}

func (f *fakeBus) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBus) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

// memoryBacklight keeps brightness in memory; raw values use a 0..max scale like sysfs.
type memoryBacklight struct {
	percent     int
	lastNonZero int
	writeErr    error
	readErr     error
	writes      int
}

func (m *memoryBacklight) Name() string { return "test_backlight" }

func (m *memoryBacklight) Percent() (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.percent, nil
}

func (m *memoryBacklight) SetPercent(p int) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	m.percent = p
	return nil
}

func (m *memoryBacklight) SaveLastNonZero(p int) {
	if p > 0 {
		m.lastNonZero = p
	}
}

func (m *memoryBacklight) LoadLastNonZero(def int) int {
	if m.lastNonZero > 0 {
		return m.lastNonZero
	}
	return def
}

type fakeVersion struct{}

func (fakeVersion) Current(context.Context) git.Version {
	return git.Version{Branch: "main", Revision: "abc1234"}
}

type fakeUpdater struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeUpdater) Update(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		DeviceID:      "kiosk1",
		TopicPrefix:   "kiosk/kiosk1",
		MQTT:          &config.MQTT{},
		Backlight:     &config.Backlight{DefaultBrightness: 40},
		Update:        &config.Update{AllowedBranch: "main"},
		HomeAssistant: &config.HomeAssistant{Prefix: "homeassistant"},
	}
}

func newTestBridge(t *testing.T, light Backlight, updater Updater) (*Bridge, *fakeBus, *config.Configuration) {
	t.Helper()
	cfg := testConfig()
	bus := &fakeBus{}
	b, err := New(cfg, bus, light, fakeVersion{}, updater)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.publisher.now = func() time.Time { return time.Unix(1700000000, 0) }
	return b, bus, cfg
}

func send(b *Bridge, topic, payload string) {
	b.Handle(context.Background(), Message{Topic: topic, Payload: []byte(payload)})
}

func lastState(t *testing.T, bus *fakeBus, cfg *config.Configuration) stateSnapshot {
	t.Helper()
	states := bus.on(cfg.StateTopic())
	if len(states) == 0 {
		t.Fatalf("no state published")
	}
	last := states[len(states)-1]
	if !last.retained {
		t.Fatalf("state not retained")
	}
	var s stateSnapshot
	if err := json.Unmarshal(last.payload, &s); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	return s
}

func TestBrightnessCommandPublishesState(t *testing.T) {
	light := &memoryBacklight{}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), `{"brightness": 128}`)

	if light.percent != 50 || light.lastNonZero != 50 {
		t.Fatalf("percent=%d lastNonZero=%d", light.percent, light.lastNonZero)
	}
	want := stateSnapshot{
		Device: "kiosk1", Backlight: "test_backlight", Brightness: 50, Display: DisplayOn,
		Branch: "main", Revision: "abc1234", Timestamp: 1700000000,
	}
	if got := lastState(t, bus, cfg); got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
	if errs := bus.on(cfg.ErrorTopic()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestStateJSONKeys(t *testing.T) {
	light := &memoryBacklight{}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.DisplayCommandTopic(), "OFF")

	var doc map[string]interface{}
	if err := json.Unmarshal(bus.on(cfg.StateTopic())[0].payload, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"device", "backlight", "brightness", "display", "git_branch", "git_sha", "ts"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("state missing %q: %v", key, doc)
		}
	}
	if doc["display"] != "OFF" {
		t.Fatalf("display = %v", doc["display"])
	}
}

func TestOffThenOnRestoresBrightness(t *testing.T) {
	light := &memoryBacklight{percent: 65}
	b, _, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.DisplayCommandTopic(), "OFF")
	if light.percent != 0 {
		t.Fatalf("after OFF percent = %d", light.percent)
	}

	send(b, cfg.DisplayCommandTopic(), "ON")
	if light.percent != 65 {
		t.Fatalf("after ON percent = %d, want 65", light.percent)
	}
}

func TestZeroBrightnessRemembersPreviousLevel(t *testing.T) {
	light := &memoryBacklight{percent: 55}
	b, _, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), "0")
	send(b, cfg.BrightnessCommandTopic(), `{"state":"ON"}`)

	if light.percent != 55 {
		t.Fatalf("percent = %d, want 55", light.percent)
	}
}

func TestOnWithoutHistoryUsesDefault(t *testing.T) {
	light := &memoryBacklight{}
	b, _, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), `{"state":"ON"}`)
	if light.percent != 40 {
		t.Fatalf("percent = %d, want default 40", light.percent)
	}
}

func TestBrightnessStateOffKeepsPreOffValue(t *testing.T) {
	light := &memoryBacklight{percent: 30, lastNonZero: 80}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), `{"state":"off"}`)

	if light.percent != 0 {
		t.Fatalf("percent = %d", light.percent)
	}
	if light.lastNonZero != 30 {
		t.Fatalf("lastNonZero = %d, want pre-off 30", light.lastNonZero)
	}
	if s := lastState(t, bus, cfg); s.Brightness != 0 || s.Display != DisplayOff {
		t.Fatalf("state = %+v", s)
	}

	// Turning off again must not clobber the remembered value with 0.
	send(b, cfg.DisplayCommandTopic(), "OFF")
	if light.lastNonZero != 30 {
		t.Fatalf("lastNonZero after second OFF = %d", light.lastNonZero)
	}
}

func TestFailedCommandPublishesOneErrorAndNoState(t *testing.T) {
	cases := []struct {
		name    string
		light   *memoryBacklight
		topic   func(*config.Configuration) string
		payload string
		code    errcode.Code
	}{
		{"invalid display", &memoryBacklight{}, (*config.Configuration).DisplayCommandTopic, "banana", errcode.InvalidState},
		{"malformed display", &memoryBacklight{}, (*config.Configuration).DisplayCommandTopic, "{bad json", errcode.MalformedPayload},
		{"invalid brightness", &memoryBacklight{}, (*config.Configuration).BrightnessCommandTopic, "bright", errcode.InvalidPayload},
		{"write error", &memoryBacklight{writeErr: errcode.New(errcode.DeviceWriteError, "set", "permission denied")},
			(*config.Configuration).BrightnessCommandTopic, "50", errcode.DeviceWriteError},
		{"read error on off", &memoryBacklight{readErr: errcode.New(errcode.DeviceReadError, "percent", "gone")},
			(*config.Configuration).DisplayCommandTopic, "OFF", errcode.DeviceReadError},
	}

	for _, c := range cases {
		b, bus, cfg := newTestBridge(t, c.light, &fakeUpdater{})

		send(b, c.topic(cfg), c.payload)

		if states := bus.on(cfg.StateTopic()); len(states) != 0 {
			t.Fatalf("%v: %d state publishes, want 0", c.name, len(states))
		}
		errs := bus.on(cfg.ErrorTopic())
		if len(errs) != 1 {
			t.Fatalf("%v: %d error publishes, want 1", c.name, len(errs))
		}
		if errs[0].retained {
			t.Fatalf("%v: error notification retained", c.name)
		}

		var n errorNotification
		if err := json.Unmarshal(errs[0].payload, &n); err != nil {
			t.Fatalf("%v: unmarshal: %v", c.name, err)
		}
		if n.Device != "kiosk1" || n.Timestamp != 1700000000 || n.Error == "" {
			t.Fatalf("%v: notification = %+v", c.name, n)
		}
		if len(n.Error) < len(c.code) || n.Error[:len(c.code)] != string(c.code) {
			t.Fatalf("%v: error %q does not start with %v", c.name, n.Error, c.code)
		}
	}
}

func TestStatePublishFailureIsReported(t *testing.T) {
	light := &memoryBacklight{}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})
	bus.fail = errors.New("not connected")

	// Must not panic even though neither state nor error can be delivered.
	send(b, cfg.BrightnessCommandTopic(), "20")
	if light.percent != 20 {
		t.Fatalf("percent = %d", light.percent)
	}
}

type panickingBacklight struct{ memoryBacklight }

func (p *panickingBacklight) SetPercent(int) error { panic("driver bug") }

func TestPanicBecomesErrorNotification(t *testing.T) {
	b, bus, cfg := newTestBridge(t, &panickingBacklight{}, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), "20")

	if n := len(bus.on(cfg.ErrorTopic())); n != 1 {
		t.Fatalf("%d error publishes, want 1", n)
	}

	// The mutex must have been released.
	send(b, cfg.VersionCommandTopic(), "")
	if n := len(bus.on(cfg.StateTopic())); n != 1 {
		t.Fatalf("%d state publishes after version request, want 1", n)
	}
}

func TestVersionCommandRepublishes(t *testing.T) {
	light := &memoryBacklight{percent: 12}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})

	send(b, cfg.VersionCommandTopic(), "whatever")

	if s := lastState(t, bus, cfg); s.Brightness != 12 {
		t.Fatalf("state = %+v", s)
	}
	if light.writes != 0 {
		t.Fatalf("version request wrote to the device")
	}
}

func TestUnknownTopicIgnored(t *testing.T) {
	b, bus, _ := newTestBridge(t, &memoryBacklight{}, &fakeUpdater{})

	send(b, "kiosk/kiosk1/cmd/reboot", "now")

	if len(bus.messages) != 0 {
		t.Fatalf("published %v", bus.messages)
	}
}

func TestUpdateCommand(t *testing.T) {
	updater := &fakeUpdater{}
	b, bus, cfg := newTestBridge(t, &memoryBacklight{percent: 10}, updater)

	send(b, cfg.UpdateCommandTopic(), "pull")
	b.Wait()

	if updater.calls != 1 {
		t.Fatalf("updater calls = %d", updater.calls)
	}
	if n := len(bus.on(cfg.StateTopic())); n != 1 {
		t.Fatalf("%d state publishes after update, want 1", n)
	}

	bus.reset()
	send(b, cfg.UpdateCommandTopic(), "rollback")
	b.Wait()
	if updater.calls != 1 || len(bus.messages) != 0 {
		t.Fatalf("non-token payload triggered update: calls=%d messages=%v", updater.calls, bus.messages)
	}
}

func TestUpdateFailurePublishesError(t *testing.T) {
	updater := &fakeUpdater{err: errcode.New(errcode.BranchNotAllowed, "update", "refusing pull")}
	b, bus, cfg := newTestBridge(t, &memoryBacklight{}, updater)

	send(b, cfg.UpdateCommandTopic(), "")
	b.Wait()

	if n := len(bus.on(cfg.StateTopic())); n != 0 {
		t.Fatalf("%d state publishes, want 0", n)
	}
	if n := len(bus.on(cfg.ErrorTopic())); n != 1 {
		t.Fatalf("%d error publishes, want 1", n)
	}
}

func TestConnectedAnnouncesDevice(t *testing.T) {
	b, bus, cfg := newTestBridge(t, &memoryBacklight{percent: 33}, &fakeUpdater{})
	cfg.HomeAssistant.Discovery = true

	if err := b.Connected(context.Background()); err != nil {
		t.Fatalf("Connected: %v", err)
	}

	status := bus.on(cfg.StatusTopic())
	if len(status) != 1 || string(status[0].payload) != config.StatusOnline || !status[0].retained {
		t.Fatalf("status = %v", status)
	}
	if n := len(bus.on("homeassistant/light/kiosk1_backlight/config")); n != 1 {
		t.Fatalf("%d discovery publishes, want 1", n)
	}
	if s := lastState(t, bus, cfg); s.Brightness != 33 {
		t.Fatalf("state = %+v", s)
	}

	if err := b.Disconnecting(); err != nil {
		t.Fatalf("Disconnecting: %v", err)
	}
	status = bus.on(cfg.StatusTopic())
	if string(status[len(status)-1].payload) != config.StatusOffline {
		t.Fatalf("last status = %q", status[len(status)-1].payload)
	}
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	light := &memoryBacklight{}
	b, bus, cfg := newTestBridge(t, light, &fakeUpdater{})

	in := make(chan Message, 3)
	in <- Message{Topic: cfg.BrightnessCommandTopic(), Payload: []byte("10")}
	in <- Message{Topic: cfg.BrightnessCommandTopic(), Payload: []byte("90")}
	in <- Message{Topic: cfg.DisplayCommandTopic(), Payload: []byte("OFF")}
	close(in)

	if err := b.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Handled strictly in order.
	if light.percent != 0 || light.lastNonZero != 90 {
		t.Fatalf("percent=%d lastNonZero=%d", light.percent, light.lastNonZero)
	}
	if n := len(bus.on(cfg.StateTopic())); n != 3 {
		t.Fatalf("%d state publishes, want 3", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b, _, _ := newTestBridge(t, &memoryBacklight{}, &fakeUpdater{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Run(ctx, make(chan Message)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
}

// With a real sysfs-style device the whole path keeps percentages within rounding tolerance.
func TestWithSysfsBacklight(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "intel_backlight")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, v := range map[string]string{"brightness": "19393", "max_brightness": "19393"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(v), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	device, err := backlight.NewDevice(dir, filepath.Join(root, "last.txt"))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	b, bus, cfg := newTestBridge(t, device, &fakeUpdater{})

	send(b, cfg.BrightnessCommandTopic(), "37")
	send(b, cfg.DisplayCommandTopic(), "false")
	send(b, cfg.DisplayCommandTopic(), "true")

	if s := lastState(t, bus, cfg); s.Brightness != 37 || s.Backlight != "intel_backlight" {
		t.Fatalf("state = %+v", s)
	}
	if n := len(bus.on(cfg.ErrorTopic())); n != 0 {
		t.Fatalf("%d error publishes", n)
	}
}
