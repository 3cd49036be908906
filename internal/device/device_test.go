package device

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

func mustNew(t *testing.T, spec Spec) Device {
	t.Helper()
	d, err := New(spec)
	if err != nil {
		t.Fatalf("New(%+v) error = %v", spec, err)
	}
	return d
}

func TestNew_DefaultServices(t *testing.T) {
	tests := []struct {
		kind Kind
		want []EventService
	}{
		{KindSwitch, []EventService{
			{Name: "basicevent", EventSubURL: "http://10.0.0.5:49153/upnp/event/basicevent1"},
		}},
		{KindInsight, []EventService{
			{Name: "basicevent", EventSubURL: "http://10.0.0.5:49153/upnp/event/basicevent1"},
			{Name: "insight", EventSubURL: "http://10.0.0.5:49153/upnp/event/insight1"},
		}},
		{KindAttributes, []EventService{
			{Name: "basicevent", EventSubURL: "http://10.0.0.5:49153/upnp/event/basicevent1"},
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d := mustNew(t, Spec{ID: "dev-1", Kind: tt.kind, Host: "10.0.0.5"})
			got := d.EventServices()
			if len(got) != len(tt.want) {
				t.Fatalf("EventServices() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("EventServices()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
			if d.Host() != "10.0.0.5:49153" {
				t.Errorf("Host() = %q, want default port appended", d.Host())
			}
		})
	}
}

func TestNew_ExplicitServices(t *testing.T) {
	d := mustNew(t, Spec{
		ID:   "generic-1",
		Kind: KindGeneric,
		Host: "192.168.1.9:8080",
		Services: []EventService{
			{Name: "remoteaccess", EventSubURL: "/upnp/event/remoteaccess1"},
			{Name: "other", EventSubURL: "http://192.168.1.9:9000/events"},
		},
	})

	got := d.EventServices()
	if got[0].EventSubURL != "http://192.168.1.9:8080/upnp/event/remoteaccess1" {
		t.Errorf("relative URL resolved to %q", got[0].EventSubURL)
	}
	if got[1].EventSubURL != "http://192.168.1.9:9000/events" {
		t.Errorf("absolute URL changed to %q", got[1].EventSubURL)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"empty id", Spec{Kind: KindSwitch, Host: "h"}, ErrInvalidSpec},
		{"id with slash", Spec{ID: "a/b", Kind: KindSwitch, Host: "h"}, ErrInvalidSpec},
		{"id with wildcard", Spec{ID: "a+", Kind: KindSwitch, Host: "h"}, ErrInvalidSpec},
		{"no host", Spec{ID: "a", Kind: KindSwitch}, ErrInvalidSpec},
		{"unknown kind", Spec{ID: "a", Kind: "toaster", Host: "h"}, ErrUnknownKind},
		{"generic without services", Spec{ID: "a", Kind: KindGeneric, Host: "h"}, ErrInvalidSpec},
		{"bad service name", Spec{ID: "a", Kind: KindSwitch, Host: "h", Services: []EventService{{Name: "a/b", EventSubURL: "/x"}}}, ErrInvalidSpec},
		{"duplicate service", Spec{ID: "a", Kind: KindSwitch, Host: "h", Services: []EventService{{Name: "x", EventSubURL: "/x"}, {Name: "x", EventSubURL: "/y"}}}, ErrInvalidSpec},
		{"missing url", Spec{ID: "a", Kind: KindSwitch, Host: "h", Services: []EventService{{Name: "x"}}}, ErrInvalidSpec},
		{"https url", Spec{ID: "a", Kind: KindSwitch, Host: "h", Services: []EventService{{Name: "x", EventSubURL: "https://h/x"}}}, ErrInvalidSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSwitch_ApplyUpdate(t *testing.T) {
	d := mustNew(t, Spec{ID: "sw", Kind: KindSwitch, Host: "h"}).(*Switch)

	tests := []struct {
		prop    propertyset.Property
		applied bool
		on      any
	}{
		{propertyset.Property{Name: "BinaryState", Value: "1"}, true, true},
		{propertyset.Property{Name: "BinaryState", Value: "0|1611105078"}, true, false},
		{propertyset.Property{Name: "BinaryState", Value: ""}, false, false},
		{propertyset.Property{Name: "BinaryState", Value: "on"}, false, false},
		{propertyset.Property{Name: "StatusChange", Value: "1"}, false, false},
	}

	for _, tt := range tests {
		if got := d.ApplyUpdate(tt.prop); got != tt.applied {
			t.Errorf("ApplyUpdate(%v) = %v, want %v", tt.prop, got, tt.applied)
		}
		if got := d.State()["on"]; got != tt.on {
			t.Errorf("after %v: on = %v, want %v", tt.prop, got, tt.on)
		}
	}
}

func TestInsight_ApplyUpdate(t *testing.T) {
	d := mustNew(t, Spec{ID: "ins", Kind: KindInsight, Host: "h"}).(*Insight)

	if !d.ApplyUpdate(propertyset.Property{Name: "BinaryState", Value: "8"}) {
		t.Fatal("BinaryState 8 not applied")
	}
	state := d.State()
	if state["on"] != true || state["standby"] != true {
		t.Errorf("standby state = %v", state)
	}

	if !d.ApplyUpdate(propertyset.Property{Name: "InsightParams", Value: "1|1611105078|120|3600|7200|1209600|0|45000|1000|2000|8000"}) {
		t.Fatal("InsightParams not applied")
	}
	state = d.State()
	if state["current_power_mw"] != 45000.0 {
		t.Errorf("current_power_mw = %v", state["current_power_mw"])
	}
	if state["power_threshold_mw"] != 8000.0 {
		t.Errorf("power_threshold_mw = %v", state["power_threshold_mw"])
	}

	// Values seen from fuzzing: a single field, junk, NaN.
	for _, v := range []string{"1", "", "x|y", "NaN|Inf", "|||||||||||||||||"} {
		d.ApplyUpdate(propertyset.Property{Name: "InsightParams", Value: v})
	}
	if got := d.State()["state"]; got != 1.0 {
		t.Errorf("state = %v after odd inputs", got)
	}
}

func TestAttributes_ApplyUpdate(t *testing.T) {
	d := mustNew(t, Spec{ID: "coffee", Kind: KindAttributes, Host: "h"}).(*Attributes)

	applied := d.ApplyUpdate(propertyset.Property{
		Name:       "attributeList",
		Attributes: []propertyset.Attribute{{Name: "Mode", Value: "4"}, {Name: "Brewed", Value: ""}},
	})
	if !applied {
		t.Fatal("attribute list not applied")
	}
	if got := d.State()["Mode"]; got != "4" {
		t.Errorf("Mode = %v", got)
	}

	// Empty list is understood but changes nothing.
	if !d.ApplyUpdate(propertyset.Property{Name: "attributeList", Attributes: []propertyset.Attribute{}}) {
		t.Error("empty attribute list should apply")
	}

	// Degraded list (raw text only) is ignored.
	if d.ApplyUpdate(propertyset.Property{Name: "attributeList", Value: "<"}) {
		t.Error("degraded attribute list should not apply")
	}
}

func TestGeneric_ApplyUpdate(t *testing.T) {
	d := mustNew(t, Spec{ID: "g", Kind: KindGeneric, Host: "h", Services: []EventService{{Name: "basicevent", EventSubURL: "/e"}}}).(*Generic)

	d.ApplyUpdate(propertyset.Property{Name: "Anything", Value: "raw value"})
	d.ApplyUpdate(propertyset.Property{Name: "attributeList", Attributes: []propertyset.Attribute{{Name: "A", Value: "1"}}})

	state := d.State()
	if state["Anything"] != "raw value" {
		t.Errorf("Anything = %v", state["Anything"])
	}
	attrs, ok := state["attributeList"].(map[string]string)
	if !ok || attrs["A"] != "1" {
		t.Errorf("attributeList = %v", state["attributeList"])
	}
}

func TestState_IsCopy(t *testing.T) {
	d := mustNew(t, Spec{ID: "sw", Kind: KindSwitch, Host: "h"}).(*Switch)
	d.ApplyUpdate(propertyset.Property{Name: "BinaryState", Value: "1"})

	snapshot := d.State()
	snapshot["on"] = "tampered"

	if d.State()["on"] != true {
		t.Error("State() returned a shared map")
	}
}
