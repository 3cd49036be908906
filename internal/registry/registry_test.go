package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/notify"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

const eventNS = `xmlns:e="urn:schemas-upnp-org:event-1-0"`

func propertyset1(inner string) string {
	return `<e:propertyset ` + eventNS + `><e:property>` + inner + `</e:property></e:propertyset>`
}

// fakeTransport grants subscriptions without a network.
type fakeTransport struct {
	mu           sync.Mutex
	next         int
	subscribes   []string
	unsubscribed []string
	failURL      map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failURL: make(map[string]error)}
}

func (f *fakeTransport) Subscribe(_ context.Context, eventSubURL, _ string, timeout time.Duration) (subscription.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, eventSubURL)
	if err := f.failURL[eventSubURL]; err != nil {
		return subscription.Grant{}, err
	}
	f.next++
	return subscription.Grant{SID: fmt.Sprintf("uuid:sub-%d", f.next), Timeout: timeout}, nil
}

func (f *fakeTransport) Renew(_ context.Context, _ string, sid string, timeout time.Duration) (subscription.Grant, error) {
	return subscription.Grant{SID: sid, Timeout: timeout}, nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, _ string, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, sid)
	return nil
}

func (f *fakeTransport) setFailure(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failURL, url)
		return
	}
	f.failURL[url] = err
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeTransport) unsubscribedSIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func testConfig() Config {
	return Config{
		Notify:        notify.Config{Host: "127.0.0.1", ShutdownGrace: time.Second},
		AdvertiseHost: "127.0.0.1",
		Renewal:       subscription.SchedulerConfig{CheckInterval: time.Hour},
		Dispatch:      dispatch.Config{ListenerTimeout: time.Second},
	}
}

func startRegistry(t testing.TB, transport subscription.Transport) *Registry {
	t.Helper()
	reg := New(testConfig(), transport)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() { _ = reg.Stop() })
	return reg
}

func newDevice(t testing.TB, id string, kind device.Kind) device.Device {
	t.Helper()
	dev, err := device.New(device.Spec{ID: id, Kind: kind, Host: "127.0.0.1"})
	require.NoError(t, err)
	return dev
}

func sidFor(t testing.TB, reg *Registry, deviceID, service string) string {
	t.Helper()
	for _, e := range reg.Subscriptions() {
		if e.DeviceID == deviceID && e.Service == service {
			return e.SID
		}
	}
	t.Fatalf("no subscription for %s/%s", deviceID, service)
	return ""
}

func sendNotify(t testing.TB, reg *Registry, service, sid, body string) int {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/sub/%s", reg.Port(), service)
	req, err := http.NewRequest(notify.MethodNotify, url, strings.NewReader(body))
	require.NoError(t, err)
	if sid != "" {
		req.Header.Set("SID", sid)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// events collects listener invocations.
type events struct {
	mu  sync.Mutex
	got []string
}

func (e *events) listener(tag string) dispatch.Listener {
	return func(_ context.Context, dev device.Device, p propertyset.Property) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.got = append(e.got, fmt.Sprintf("%s:%s:%s=%s", tag, dev.ID(), p.Name, p.Value))
		return nil
	}
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.got...)
}

func TestRegistry_LifecycleErrors(t *testing.T) {
	reg := New(testConfig(), newFakeTransport())
	dev := newDevice(t, "plug", device.KindSwitch)

	assert.False(t, reg.Running())
	assert.Zero(t, reg.Port())
	assert.ErrorIs(t, reg.Register(context.Background(), dev), ErrNotRunning)
	assert.ErrorIs(t, reg.Unregister(context.Background(), dev), ErrNotRunning)
	assert.ErrorIs(t, reg.On(dev, "BinaryState", ApplyUpdates), ErrNotRunning)
	assert.NoError(t, reg.Stop(), "stop before start")

	require.NoError(t, reg.Start(context.Background()))
	require.NoError(t, reg.Start(context.Background()), "second start")
	assert.True(t, reg.Running())
	assert.NotZero(t, reg.Port())

	require.NoError(t, reg.Stop())
	require.NoError(t, reg.Stop(), "second stop")
	assert.False(t, reg.Running())
	assert.ErrorIs(t, reg.Register(context.Background(), dev), ErrNotRunning)
}

func TestRegistry_InvalidDevices(t *testing.T) {
	reg := startRegistry(t, newFakeTransport())

	assert.ErrorIs(t, reg.Register(context.Background(), nil), ErrInvalidDevice)
	assert.ErrorIs(t, reg.Unregister(context.Background(), newDevice(t, "ghost", device.KindSwitch)), ErrNotRegistered)

	a := newDevice(t, "plug", device.KindSwitch)
	b := newDevice(t, "plug", device.KindSwitch)
	require.NoError(t, reg.Register(context.Background(), a))
	assert.ErrorIs(t, reg.Register(context.Background(), b), ErrDeviceConflict)
}

func TestRegistry_BinaryStateEvent(t *testing.T) {
	transport := newFakeTransport()
	reg := startRegistry(t, transport)
	dev := newDevice(t, "plug", device.KindSwitch)

	require.NoError(t, reg.Register(context.Background(), dev))
	rec := &events{}
	require.NoError(t, reg.On(dev, "BinaryState", rec.listener("a")))
	require.NoError(t, reg.On(dev, dispatch.AllEvents, ApplyUpdates))

	sid := sidFor(t, reg, "plug", device.ServiceBasicEvent)
	status := sendNotify(t, reg, device.ServiceBasicEvent, sid, propertyset1("<BinaryState>1</BinaryState>"))
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a:plug:BinaryState=1"}, rec.snapshot())

	require.Eventually(t, func() bool {
		on, _ := dev.(device.Describer).State()["on"].(bool)
		return on
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_RejectedNotifications(t *testing.T) {
	reg := startRegistry(t, newFakeTransport())
	dev := newDevice(t, "plug", device.KindSwitch)
	require.NoError(t, reg.Register(context.Background(), dev))
	rec := &events{}
	require.NoError(t, reg.On(dev, dispatch.AllEvents, rec.listener("a")))
	sid := sidFor(t, reg, "plug", device.ServiceBasicEvent)

	assert.Equal(t, http.StatusNotFound, sendNotify(t, reg, device.ServiceBasicEvent, "uuid:unknown", propertyset1("<BinaryState>1</BinaryState>")))
	assert.Equal(t, http.StatusBadRequest, sendNotify(t, reg, device.ServiceBasicEvent, sid, "<"))
	assert.Equal(t, http.StatusOK, sendNotify(t, reg, device.ServiceBasicEvent, sid, propertyset1("<BinaryState>0</BinaryState>")))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a:plug:BinaryState=0"}, rec.snapshot())

	stats := reg.Stats()
	assert.Equal(t, uint64(1), stats.Notify.NotFound)
	assert.Equal(t, uint64(1), stats.Notify.BadRequest)
	assert.Equal(t, uint64(1), stats.Notify.Accepted)
}

func TestRegistry_ListenerOrderAndFailures(t *testing.T) {
	reg := startRegistry(t, newFakeTransport())
	dev := newDevice(t, "plug", device.KindSwitch)
	require.NoError(t, reg.Register(context.Background(), dev))

	rec := &events{}
	failing := func(context.Context, device.Device, propertyset.Property) error {
		return errors.New("boom")
	}
	require.NoError(t, reg.On(dev, dispatch.AllEvents, rec.listener("first")))
	require.NoError(t, reg.On(dev, "BinaryState", failing))
	require.NoError(t, reg.On(dev, "BinaryState", rec.listener("second")))

	sid := sidFor(t, reg, "plug", device.ServiceBasicEvent)
	body := `<e:propertyset ` + eventNS + `>` +
		`<e:property><BinaryState>1</BinaryState></e:property>` +
		`<e:property><Other>x</Other></e:property></e:propertyset>`
	require.Equal(t, http.StatusOK, sendNotify(t, reg, device.ServiceBasicEvent, sid, body))

	want := []string{
		"first:plug:BinaryState=1",
		"second:plug:BinaryState=1",
		"first:plug:Other=x",
	}
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(want)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
	assert.Equal(t, uint64(1), reg.Stats().Dispatch.Failed)
}

func TestRegistry_Unregister(t *testing.T) {
	transport := newFakeTransport()
	reg := startRegistry(t, transport)
	dev := newDevice(t, "meter", device.KindInsight)
	require.NoError(t, reg.Register(context.Background(), dev))
	require.Len(t, reg.Subscriptions(), 2)

	rec := &events{}
	require.NoError(t, reg.On(dev, dispatch.AllEvents, rec.listener("a")))
	sid := sidFor(t, reg, "meter", device.ServiceInsight)

	require.NoError(t, reg.Unregister(context.Background(), dev))
	assert.Empty(t, reg.Subscriptions())
	assert.Empty(t, reg.Devices())

	status := sendNotify(t, reg, device.ServiceInsight, sid, propertyset1("<InsightParams>8|0|0</InsightParams>"))
	assert.Equal(t, http.StatusNotFound, status)

	require.Eventually(t, func() bool {
		return len(transport.unsubscribedSIDs()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, transport.unsubscribedSIDs(), sid)
	assert.Empty(t, rec.snapshot())
}

func TestRegistry_PartialFailureAndResubscribe(t *testing.T) {
	transport := newFakeTransport()
	reg := startRegistry(t, transport)
	dev := newDevice(t, "meter", device.KindInsight)

	insightURL := "http://127.0.0.1:49153/upnp/event/insight1"
	transport.setFailure(insightURL, &subscription.TransportError{Op: "subscribe", URL: insightURL, Status: 500})

	err := reg.Register(context.Background(), dev)
	var terr *subscription.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 500, terr.Status)

	subs := reg.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, device.ServiceBasicEvent, subs[0].Service)
	assert.Equal(t, subscription.StateActive, subs[0].State)
	assert.Equal(t, 2, transport.subscribeCount())

	transport.setFailure(insightURL, nil)
	require.NoError(t, reg.Resubscribe(context.Background(), "meter"))
	assert.Len(t, reg.Subscriptions(), 2)
	assert.Equal(t, 3, transport.subscribeCount(), "only the lapsed service is subscribed again")

	assert.ErrorIs(t, reg.Resubscribe(context.Background(), "ghost"), ErrNotRegistered)
}

// blockingTransport holds every SUBSCRIBE until release is closed.
type blockingTransport struct {
	*fakeTransport
	started chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Subscribe(ctx context.Context, eventSubURL, callback string, timeout time.Duration) (subscription.Grant, error) {
	b.started <- struct{}{}
	<-b.release
	return b.fakeTransport.Subscribe(ctx, eventSubURL, callback, timeout)
}

func TestRegistry_StopDuringSubscribe(t *testing.T) {
	transport := &blockingTransport{
		fakeTransport: newFakeTransport(),
		started:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	reg := New(testConfig(), transport)
	require.NoError(t, reg.Start(context.Background()))

	dev := newDevice(t, "plug", device.KindSwitch)
	registered := make(chan error, 1)
	go func() { registered <- reg.Register(context.Background(), dev) }()

	<-transport.started
	require.NoError(t, reg.Stop())
	close(transport.release)

	select {
	case err := <-registered:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Register did not return after Stop")
	}

	// The grant arrived after Stop, so it is released straight away.
	assert.Equal(t, []string{"uuid:sub-1"}, transport.unsubscribedSIDs())
	assert.Empty(t, reg.Subscriptions())
}

func TestRegistry_CallbackURL(t *testing.T) {
	transport := newFakeTransport()
	reg := startRegistry(t, transport)
	dev := newDevice(t, "plug", device.KindSwitch)
	require.NoError(t, reg.Register(context.Background(), dev))

	subs := reg.Subscriptions()
	require.Len(t, subs, 1)
	want := fmt.Sprintf("http://127.0.0.1:%d/sub/basicevent", reg.Port())
	assert.Equal(t, want, subs[0].CallbackURL)
}

func TestRegistry_LocalCallbackAddress(t *testing.T) {
	addr, err := localAddressFor("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr)
}

func TestRegistry_RestartForgetsState(t *testing.T) {
	reg := startRegistry(t, newFakeTransport())
	dev := newDevice(t, "plug", device.KindSwitch)
	require.NoError(t, reg.Register(context.Background(), dev))
	require.NoError(t, reg.On(dev, dispatch.AllEvents, ApplyUpdates))

	require.NoError(t, reg.Stop())
	assert.Empty(t, reg.Subscriptions())
	assert.Empty(t, reg.Devices())

	require.NoError(t, reg.Start(context.Background()))
	require.NoError(t, reg.Register(context.Background(), dev))
	assert.Len(t, reg.Subscriptions(), 1)
	assert.Equal(t, 1, reg.Stats().Devices)
}

// Payloads captured from real devices.
var deviceNotifications = []struct {
	name    string
	service string
	body    string
	names   []string
}{
	{
		name:    "bridge status change",
		service: device.ServiceBasicEvent,
		body: propertyset1(`<StatusChange>&lt;?xml version=&quot;1.0&quot; encoding=&quot;utf-8&quot;?&gt;` +
			`&lt;StateEvent&gt;&lt;DeviceID available=&quot;YES&quot;&gt;94103EA2B27803ED&lt;/DeviceID&gt;` +
			`&lt;CapabilityId&gt;10006&lt;/CapabilityId&gt;&lt;Value&gt;1&lt;/Value&gt;&lt;/StateEvent&gt;</StatusChange>`),
		names: []string{"StatusChange"},
	},
	{
		name:    "coffee maker empty attribute list",
		service: device.ServiceBasicEvent,
		body:    propertyset1(`<attributeList>{}</attributeList>`),
		names:   []string{"attributeList"},
	},
	{
		name:    "coffee maker broken attribute list",
		service: device.ServiceBasicEvent,
		body:    propertyset1(`<attributeList>&lt;</attributeList>`),
		names:   []string{"attributeList"},
	},
	{
		name:    "insight params",
		service: device.ServiceInsight,
		body:    propertyset1(`<InsightParams>8|1611105078|2607|2886|134|1209600|9|1|16742|3200353.000000|8000</InsightParams>`),
		names:   []string{"InsightParams"},
	},
	{
		name:    "binary state with trailing fields",
		service: device.ServiceBasicEvent,
		body:    propertyset1(`<BinaryState>1|1611105078|0|0|0|0|0|0|0|0</BinaryState>`),
		names:   []string{"BinaryState"},
	},
}

func TestRegistry_DeviceNotifications(t *testing.T) {
	reg := startRegistry(t, newFakeTransport())
	dev := newDevice(t, "meter", device.KindInsight)
	require.NoError(t, reg.Register(context.Background(), dev))

	for _, tt := range deviceNotifications {
		t.Run(tt.name, func(t *testing.T) {
			rec := &events{}
			require.NoError(t, reg.On(dev, dispatch.AllEvents, rec.listener(tt.name)))

			sid := sidFor(t, reg, "meter", tt.service)
			require.Equal(t, http.StatusOK, sendNotify(t, reg, tt.service, sid, tt.body))

			require.Eventually(t, func() bool {
				return len(rec.snapshot()) == len(tt.names)
			}, time.Second, 10*time.Millisecond)
			for i, name := range tt.names {
				assert.True(t, strings.HasPrefix(rec.snapshot()[i], tt.name+":meter:"+name+"="))
			}
		})
	}
}

func FuzzNotify(f *testing.F) {
	for _, tt := range deviceNotifications {
		f.Add([]byte(tt.body))
	}
	f.Add([]byte("<"))
	f.Add([]byte(""))
	f.Add([]byte(propertyset1("<attributeList>&lt;attribute&gt;&lt;name&gt;Mode&lt;/name&gt;&lt;/attribute&gt;</attributeList>")))

	reg := startRegistry(f, newFakeTransport())
	dev := newDevice(f, "fuzz", device.KindSwitch)
	require.NoError(f, reg.Register(context.Background(), dev))
	require.NoError(f, reg.On(dev, dispatch.AllEvents, ApplyUpdates))
	sid := sidFor(f, reg, "fuzz", device.ServiceBasicEvent)

	f.Fuzz(func(t *testing.T, body []byte) {
		if len(body) > notify.DefaultMaxBodyBytes {
			t.Skip("larger than the notify body limit")
		}
		status := sendNotify(t, reg, device.ServiceBasicEvent, sid, string(body))
		if status != http.StatusOK && status != http.StatusBadRequest {
			t.Fatalf("unexpected status %d", status)
		}

		_, err := propertyset.Parse(body)
		if err == nil && status != http.StatusOK {
			t.Fatalf("parsable body rejected with %d", status)
		}
		if err != nil && status != http.StatusBadRequest {
			t.Fatalf("unparsable body accepted with %d", status)
		}
	})
}
