package properties

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/atagmqtt/internal/atag"
)

// Burner targets, in the order of the enum format.
const (
	TargetNone = "none"
	TargetCH   = "ch"
	TargetDHW  = "dhw"
)

// HVAC modes as published.
const (
	ModeAuto = "auto"
	ModeHeat = "heat"
)

// ToPublished derives the published state from a report snapshot.
//
// Properties whose source field is missing from report keep their value from
// prev; a property never published before stays absent. The result is a new
// map; prev is not modified.
func ToPublished(report atag.Report, prev State) State {
	next := make(State, len(table))
	for _, s := range table {
		if v, ok := s.extract(report); ok {
			next[s.Key()] = v
			continue
		}
		if old, ok := prev[s.Key()]; ok {
			next[s.Key()] = old
		}
	}
	return next
}

// Write is a validated property write: the appliance command and the
// canonical value to publish optimistically.
type Write struct {
	Key     string
	Command atag.Command
	Value   string
}

// Command converts a raw inbound value for property id into an appliance
// command, validated against limits.
//
// Errors:
//   - ErrUnknownProperty: id is not in the table
//   - ErrNotSettable: the property is read-only
//   - atag.ErrInvalidValue: unparsable or outside the declared range; values
//     are never clamped
func Command(id, raw string, limits atag.Limits) (Write, error) {
	s, ok := Lookup(id)
	if !ok {
		return Write{}, fmt.Errorf("%w: %q", ErrUnknownProperty, id)
	}
	if !s.Settable || s.command == nil {
		return Write{}, fmt.Errorf("%w: %q", ErrNotSettable, id)
	}

	cmd, value, err := s.command(strings.TrimSpace(raw))
	if err != nil {
		return Write{}, fmt.Errorf("%s: %w", id, err)
	}
	if err := limits.Validate(cmd); err != nil {
		return Write{}, fmt.Errorf("%s: %w", id, err)
	}

	return Write{Key: id, Command: cmd, Value: value}, nil
}

func floatField(field string) func(atag.Report) (string, bool) {
	return func(r atag.Report) (string, bool) {
		v, ok := r.Float(field)
		if !ok {
			return "", false
		}
		return formatFloat(v), true
	}
}

func intField(field string) func(atag.Report) (string, bool) {
	return func(r atag.Report) (string, bool) {
		v, ok := r.Int(field)
		if !ok {
			return "", false
		}
		return strconv.Itoa(v), true
	}
}

// firstFloat uses the first present field.
func firstFloat(fields ...string) func(atag.Report) (string, bool) {
	return func(r atag.Report) (string, bool) {
		for _, f := range fields {
			if v, ok := r.Float(f); ok {
				return formatFloat(v), true
			}
		}
		return "", false
	}
}

func boilerBit(bit int) func(atag.Report) (string, bool) {
	return func(r atag.Report) (string, bool) {
		set, ok := r.BoilerBit(bit)
		if !ok {
			return "", false
		}
		return strconv.FormatBool(set), true
	}
}

// burnerTarget derives which circuit the burner serves. Both demand bits can
// be set during a mode change; hot water takes priority over heating.
func burnerTarget(r atag.Report) (string, bool) {
	dhw, ok := r.BoilerBit(atag.BoilerDHWActive)
	if !ok {
		return "", false
	}
	ch, _ := r.BoilerBit(atag.BoilerCHActive)

	switch {
	case dhw:
		return TargetDHW, true
	case ch:
		return TargetCH, true
	default:
		return TargetNone, true
	}
}

func hvacMode(r atag.Report) (string, bool) {
	mode, ok := r.Int(atag.FieldCHControlMode)
	if !ok {
		return "", false
	}
	switch mode {
	case atag.ControlModeAuto:
		return ModeAuto, true
	case atag.ControlModeHeat:
		return ModeHeat, true
	default:
		return "", false
	}
}

func floatCommand(field string) func(string) (atag.Command, string, error) {
	return func(raw string) (atag.Command, string, error) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return atag.Command{}, "", fmt.Errorf("%w: %q is not a number", atag.ErrInvalidValue, raw)
		}
		return atag.Command{Field: field, Value: v}, formatFloat(v), nil
	}
}

func hvacModeCommand(raw string) (atag.Command, string, error) {
	switch strings.ToLower(raw) {
	case ModeAuto:
		return atag.Command{Field: atag.FieldCHControlMode, Value: atag.ControlModeAuto}, ModeAuto, nil
	case ModeHeat:
		return atag.Command{Field: atag.FieldCHControlMode, Value: atag.ControlModeHeat}, ModeHeat, nil
	default:
		return atag.Command{}, "", fmt.Errorf("%w: %q is not one of auto,heat", atag.ErrInvalidValue, raw)
	}
}
