package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

func newDevice(t *testing.T, id string) device.Device {
	t.Helper()
	d, err := device.New(device.Spec{ID: id, Kind: device.KindSwitch, Host: "127.0.0.1"})
	require.NoError(t, err)
	return d
}

// recorder collects listener calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) listener(tag string) Listener {
	return func(_ context.Context, dev device.Device, p propertyset.Property) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, fmt.Sprintf("%s:%s:%s=%s", tag, dev.ID(), p.Name, p.Value))
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *Table) {
	t.Helper()
	table := NewTable()
	d := NewDispatcher(table, cfg)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d, table
}

func update(pairs ...string) propertyset.Update {
	u := propertyset.Update{}
	for i := 0; i+1 < len(pairs); i += 2 {
		u = append(u, propertyset.Property{Name: pairs[i], Value: pairs[i+1]})
	}
	return u
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatch_OrderAndFilters(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")
	rec := &recorder{}

	table.Add("plug", "BinaryState", rec.listener("a"))
	table.Add("plug", AllEvents, rec.listener("all"))
	table.Add("plug", "BinaryState", rec.listener("b"))

	require.NoError(t, d.Dispatch(context.Background(), dev, update("BinaryState", "1", "Other", "x")))
	drain(t, d)

	assert.Equal(t, []string{
		"a:plug:BinaryState=1",
		"all:plug:BinaryState=1",
		"b:plug:BinaryState=1",
		"all:plug:Other=x",
	}, rec.snapshot())
}

func TestDispatch_DuplicateListenersBothFire(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")
	rec := &recorder{}

	l := rec.listener("dup")
	table.Add("plug", "BinaryState", l)
	table.Add("plug", "BinaryState", l)

	require.NoError(t, d.Dispatch(context.Background(), dev, update("BinaryState", "1")))
	drain(t, d)

	assert.Len(t, rec.snapshot(), 2)
}

func TestDispatch_FailingListenerDoesNotStopOthers(t *testing.T) {
	d, table := newTestDispatcher(t, Config{ListenerTimeout: 50 * time.Millisecond})
	dev := newDevice(t, "plug")
	rec := &recorder{}

	var errs []*ListenerError
	var mu sync.Mutex
	d.OnListenerError(func(e *ListenerError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})

	table.Add("plug", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		return errors.New("boom")
	})
	table.Add("plug", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		panic("listener bug")
	})
	table.Add("plug", AllEvents, func(ctx context.Context, _ device.Device, _ propertyset.Property) error {
		<-ctx.Done()
		return ctx.Err()
	})
	table.Add("plug", AllEvents, rec.listener("ok"))

	require.NoError(t, d.Dispatch(context.Background(), dev, update("BinaryState", "1", "BinaryState", "0")))
	drain(t, d)

	assert.Equal(t, []string{"ok:plug:BinaryState=1", "ok:plug:BinaryState=0"}, rec.snapshot())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 6)
	assert.EqualError(t, errs[0].Err, "boom")
	assert.ErrorIs(t, errs[1], ErrListenerPanic)
	assert.Equal(t, "listener bug", errs[1].Panic)
	assert.ErrorIs(t, errs[2], ErrListenerTimeout)

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(2), stats.Panicked)
	assert.Equal(t, uint64(2), stats.TimedOut)
}

func TestDispatch_SerialPerDevice(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")

	var mu sync.Mutex
	active := 0
	maxActive := 0
	var seen []string

	table.Add("plug", AllEvents, func(_ context.Context, _ device.Device, p propertyset.Property) error {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		seen = append(seen, p.Value)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	var want []string
	for i := 0; i < 20; i++ {
		v := fmt.Sprint(i)
		want = append(want, v)
		require.NoError(t, d.Dispatch(context.Background(), dev, update("Seq", v)))
	}
	drain(t, d)

	assert.Equal(t, 1, maxActive)
	assert.Equal(t, want, seen)
}

func TestDispatch_SerialAcrossRemoveDevice(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")

	var mu sync.Mutex
	active := 0
	maxActive := 0
	var seen []string

	table.Add("plug", AllEvents, func(_ context.Context, _ device.Device, p propertyset.Property) error {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		seen = append(seen, p.Value)
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), dev, update("Seq", "before")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 1
	}, time.Second, time.Millisecond)

	d.RemoveDevice("plug")
	require.NoError(t, d.Dispatch(context.Background(), dev, update("Seq", "after")))

	// A second removal while the replacement is still waiting chains behind it.
	d.RemoveDevice("plug")
	require.NoError(t, d.Dispatch(context.Background(), dev, update("Seq", "last")))
	drain(t, d)

	assert.Equal(t, 1, maxActive)
	assert.Equal(t, []string{"before", "after", "last"}, seen)
}

func TestDispatch_ConcurrentAcrossDevices(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	a := newDevice(t, "a")
	b := newDevice(t, "b")

	release := make(chan struct{})
	bDone := make(chan struct{})

	table.Add("a", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		<-release
		return nil
	})
	table.Add("b", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		close(bDone)
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), a, update("X", "1")))
	require.NoError(t, d.Dispatch(context.Background(), b, update("X", "1")))

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("device b blocked behind device a")
	}
	close(release)
}

func TestDispatch_SnapshotAtEnqueue(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")
	rec := &recorder{}

	gate := make(chan struct{})
	table.Add("plug", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		<-gate
		return nil
	})
	table.Add("plug", AllEvents, rec.listener("late"))

	require.NoError(t, d.Dispatch(context.Background(), dev, update("BinaryState", "1")))

	// Unregistering clears listeners and retires the worker, but the
	// queued update still reaches the listeners captured with it.
	table.RemoveDevice("plug")
	d.RemoveDevice("plug")
	close(gate)
	drain(t, d)

	assert.Equal(t, []string{"late:plug:BinaryState=1"}, rec.snapshot())
}

func TestDispatch_QueueFull(t *testing.T) {
	d, table := newTestDispatcher(t, Config{QueueSize: 1})
	dev := newDevice(t, "plug")

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	table.Add("plug", AllEvents, func(context.Context, device.Device, propertyset.Property) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), dev, update("A", "1")))
	<-started
	require.NoError(t, d.Dispatch(context.Background(), dev, update("A", "2")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, dev, update("A", "3"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), d.Stats().Rejected)

	close(gate)
}

func TestDispatch_NothingToDeliver(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")

	assert.NoError(t, d.Dispatch(context.Background(), dev, update("A", "1")), "no listeners")

	table.Add("plug", AllEvents, (&recorder{}).listener("x"))
	assert.NoError(t, d.Dispatch(context.Background(), dev, propertyset.Update{}), "empty update")
	assert.Equal(t, 0, d.Stats().Workers)
}

func TestDispatch_Closed(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")
	table.Add("plug", AllEvents, (&recorder{}).listener("x"))

	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Dispatch(context.Background(), dev, update("A", "1")), ErrClosed)
	assert.NoError(t, d.Close(context.Background()), "second close")
}

func TestDispatch_CloseDeadline(t *testing.T) {
	table := NewTable()
	d := NewDispatcher(table, Config{ListenerTimeout: time.Minute})
	dev := newDevice(t, "plug")

	table.Add("plug", AllEvents, func(ctx context.Context, _ device.Device, _ propertyset.Property) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, d.Dispatch(context.Background(), dev, update("A", "1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}

func TestTable_CopyOnWrite(t *testing.T) {
	table := NewTable()
	table.Add("plug", AllEvents, (&recorder{}).listener("a"))

	before := table.snapshot("plug")
	table.Add("plug", AllEvents, (&recorder{}).listener("b"))

	assert.Len(t, before, 1)
	assert.Equal(t, 2, table.Count("plug"))

	table.Clear()
	assert.Equal(t, 0, table.Count("plug"))
}

func TestDispatch_ServiceOnListenerContext(t *testing.T) {
	d, table := newTestDispatcher(t, Config{})
	dev := newDevice(t, "plug")

	var (
		mu       sync.Mutex
		services []string
	)
	table.Add("plug", AllEvents, func(ctx context.Context, _ device.Device, _ propertyset.Property) error {
		mu.Lock()
		defer mu.Unlock()
		services = append(services, Service(ctx))
		return nil
	})

	require.NoError(t, d.Dispatch(WithService(context.Background(), "basicevent1"), dev, update("BinaryState", "1")))
	require.NoError(t, d.Dispatch(context.Background(), dev, update("BinaryState", "0")))
	drain(t, d)

	assert.Equal(t, []string{"basicevent1", ""}, services)
}
