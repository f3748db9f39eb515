// Package properties maps Atag One report snapshots to published property
// values and property writes to appliance commands.
//
// The table is fixed at build time. Both directions are pure functions:
// ToPublished never fails and Command never touches the network.
package properties

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nerrad567/atagmqtt/internal/atag"
)

// Kind is the Homie datatype of a property.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindEnum    Kind = "enum"
	KindString  Kind = "string"
)

// Node groups related properties.
type Node struct {
	ID   string
	Name string
	Type string
}

// Spec describes one exposed property.
type Spec struct {
	Node     string
	ID       string
	Name     string
	Kind     Kind
	Unit     string
	Settable bool

	// temperature properties take their unit from the appliance.
	temperature bool

	// format is the static Homie $format; dynamic ranges come from formatFor.
	format    string
	formatFor func(atag.Limits) string

	extract func(atag.Report) (string, bool)
	command func(raw string) (atag.Command, string, error)
}

// Key returns the property id as "<node>/<property>".
func (s Spec) Key() string { return s.Node + "/" + s.ID }

// Format returns the Homie $format for the given appliance limits.
func (s Spec) Format(l atag.Limits) string {
	if s.formatFor != nil {
		return s.formatFor(l)
	}
	return s.format
}

// UnitFor returns the Homie $unit for the given appliance limits.
func (s Spec) UnitFor(l atag.Limits) string {
	if s.temperature && l.TempUnit != "" {
		return l.TempUnit
	}
	return s.Unit
}

// State is the published value of each property, keyed by Spec.Key.
type State map[string]string

// Clone returns a copy that can be handed out without sharing.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

const (
	unitBar     = "bar"
	unitPercent = "%"
)

var nodes = []Node{
	{ID: "burner", Name: "Burner", Type: "status"},
	{ID: "centralheating", Name: "Central heating", Type: "status"},
	{ID: "domestichotwater", Name: "Domestic hot water", Type: "status"},
	{ID: "weather", Name: "Weather", Type: "status"},
	{ID: "controls", Name: "Controls", Type: "controls"},
}

var table = []Spec{
	{
		Node: "burner", ID: "modulation", Name: "Burner modulation",
		Kind: KindInteger, Unit: unitPercent, format: "0:100",
		extract: intField(atag.FieldRelModLevel),
	},
	{
		Node: "burner", ID: "target", Name: "Burner target",
		Kind: KindEnum, format: "none,ch,dhw",
		extract: burnerTarget,
	},
	{
		Node: "burner", ID: "flame", Name: "Burner flame",
		Kind: KindBoolean,
		extract: boilerBit(atag.BoilerFlame),
	},
	{
		Node: "centralheating", ID: "status", Name: "CH status",
		Kind: KindBoolean,
		extract: boilerBit(atag.BoilerCHActive),
	},
	{
		Node: "centralheating", ID: "temperature", Name: "CH temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldCHWaterTemp),
	},
	{
		Node: "centralheating", ID: "room-temperature", Name: "Room temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldRoomTemp),
	},
	{
		Node: "centralheating", ID: "water-temperature", Name: "CH water temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldCHWaterTemp),
	},
	{
		Node: "centralheating", ID: "target-water-temperature", Name: "CH target water temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldCHSetpoint),
	},
	{
		Node: "centralheating", ID: "return-water-temperature", Name: "CH return water temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldCHReturnTemp),
	},
	{
		Node: "centralheating", ID: "water-pressure", Name: "CH water pressure",
		Kind: KindFloat, Unit: unitBar,
		extract: floatField(atag.FieldCHWaterPressure),
	},
	{
		Node: "domestichotwater", ID: "status", Name: "DHW status",
		Kind: KindBoolean,
		extract: boilerBit(atag.BoilerDHWActive),
	},
	{
		Node: "domestichotwater", ID: "temperature", Name: "DHW temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: floatField(atag.FieldDHWWaterTemp),
	},
	{
		Node: "weather", ID: "temperature", Name: "Weather temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true,
		extract: firstFloat(atag.FieldWeatherTemp, atag.FieldOutsideTemp),
	},
	{
		Node: "controls", ID: "ch-target-temperature", Name: "CH target temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true, Settable: true,
		formatFor: func(l atag.Limits) string { return rangeFormat(l.CHMin, l.CHMax) },
		extract:   floatField(atag.FieldCHModeTemp),
		command:   floatCommand(atag.FieldCHModeTemp),
	},
	{
		Node: "controls", ID: "dhw-target-temperature", Name: "DHW target temperature",
		Kind: KindFloat, Unit: atag.UnitCelsius, temperature: true, Settable: true,
		formatFor: func(l atag.Limits) string { return rangeFormat(l.DHWMin, l.DHWMax) },
		extract:   floatField(atag.FieldDHWTempSetp),
		command:   floatCommand(atag.FieldDHWTempSetp),
	},
	{
		Node: "controls", ID: "hvac-mode", Name: "HVAC mode",
		Kind: KindEnum, format: "auto,heat", Settable: true,
		extract: hvacMode,
		command: hvacModeCommand,
	},
}

var index = func() map[string]int {
	m := make(map[string]int, len(table))
	for i, s := range table {
		if _, dup := m[s.Key()]; dup {
			panic(fmt.Sprintf("properties: duplicate property %s", s.Key()))
		}
		m[s.Key()] = i
	}
	return m
}()

// Nodes returns the node descriptors in presentation order.
func Nodes() []Node {
	return append([]Node(nil), nodes...)
}

// Specs returns every property descriptor in presentation order.
func Specs() []Spec {
	return append([]Spec(nil), table...)
}

// Lookup returns the descriptor for a "<node>/<property>" id.
func Lookup(id string) (Spec, bool) {
	i, ok := index[id]
	if !ok {
		return Spec{}, false
	}
	return table[i], true
}

// ChangedKeys returns, sorted, the keys whose value differs between prev and next.
func ChangedKeys(prev, next State) []string {
	var keys []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func rangeFormat(lo, hi float64) string {
	return formatFloat(lo) + ":" + formatFloat(hi)
}
