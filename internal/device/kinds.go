package device

import (
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

// Property names understood by the built-in kinds.
const (
	PropBinaryState   = "BinaryState"
	PropInsightParams = "InsightParams"
)

// insightStandby is the BinaryState an Insight plug reports when switched
// on but drawing less than its power threshold.
const insightStandby = 8

// insightFields names the pipe-separated InsightParams fields by position.
// Index 6 is unused by the device firmware.
var insightFields = []string{
	"state",
	"last_change",
	"on_for",
	"on_today",
	"on_total",
	"time_period",
	"",
	"current_power_mw",
	"today_mw",
	"total_mw",
	"power_threshold_mw",
}

// Switch is an on/off device eventing BinaryState.
type Switch struct {
	base
}

// ApplyUpdate records BinaryState changes.
func (s *Switch) ApplyUpdate(p propertyset.Property) bool {
	if p.Name != PropBinaryState {
		return false
	}
	return applyBinaryState(&s.base, p.Value)
}

// Insight is a switch that also reports power usage through InsightParams.
type Insight struct {
	base
}

// ApplyUpdate records BinaryState and InsightParams changes.
func (i *Insight) ApplyUpdate(p propertyset.Property) bool {
	switch p.Name {
	case PropBinaryState:
		if !applyBinaryState(&i.base, p.Value) {
			return false
		}
		n, _ := parseLeadingInt(p.Value)
		i.set("standby", n == insightStandby)
		return true
	case PropInsightParams:
		values := parseInsightParams(p.Value)
		if len(values) == 0 {
			return false
		}
		i.setAll(values)
		return true
	default:
		return false
	}
}

// Attributes is a device that reports its state as an attribute list,
// such as a Maker, CoffeeMaker or Humidifier.
type Attributes struct {
	base
}

// ApplyUpdate records attribute lists and BinaryState changes.
// A degraded attribute list is ignored.
func (a *Attributes) ApplyUpdate(p propertyset.Property) bool {
	switch p.Name {
	case PropBinaryState:
		return applyBinaryState(&a.base, p.Value)
	case propertyset.AttributeListName:
		if !p.IsAttributeList() {
			return false
		}
		values := make(State, len(p.Attributes))
		for _, attr := range p.Attributes {
			values[attr.Name] = attr.Value
		}
		a.setAll(values)
		return true
	default:
		return false
	}
}

// Generic stores every property value verbatim under its name.
type Generic struct {
	base
}

// ApplyUpdate stores the raw value. Parsed attribute lists are stored as
// a name to value map.
func (g *Generic) ApplyUpdate(p propertyset.Property) bool {
	if p.IsAttributeList() {
		attrs := make(map[string]string, len(p.Attributes))
		for _, attr := range p.Attributes {
			attrs[attr.Name] = attr.Value
		}
		g.set(p.Name, attrs)
		return true
	}
	g.set(p.Name, p.Value)
	return true
}

func applyBinaryState(b *base, value string) bool {
	n, ok := parseLeadingInt(value)
	if !ok {
		return false
	}
	b.setAll(State{
		"binary_state": n,
		"on":           n != 0,
	})
	return true
}

// parseLeadingInt parses the first pipe-separated field of value.
func parseLeadingInt(value string) (int, bool) {
	field, _, _ := strings.Cut(value, "|")
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseInsightParams extracts every numeric field it can. Fields that do
// not parse are skipped rather than failing the whole update.
func parseInsightParams(value string) State {
	values := State{}
	for i, field := range strings.Split(value, "|") {
		if i >= len(insightFields) {
			break
		}
		key := insightFields[i]
		if key == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		values[key] = f
	}
	return values
}
