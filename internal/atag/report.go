package atag

import (
	"encoding/json"
	"strconv"
)

// Report field names used by the bridge.
const (
	FieldReportTime      = "report_time"
	FieldRoomTemp        = "room_temp"
	FieldOutsideTemp     = "outside_temp"
	FieldCHWaterTemp     = "ch_water_temp"
	FieldCHReturnTemp    = "ch_return_temp"
	FieldCHWaterPressure = "ch_water_pres"
	FieldCHSetpoint      = "ch_setpoint"
	FieldDHWWaterTemp    = "dhw_water_temp"
	FieldBoilerStatus    = "boiler_status"
	FieldRelModLevel     = "rel_mod_level"

	FieldCHModeTemp    = "ch_mode_temp"
	FieldDHWTempSetp   = "dhw_temp_setp"
	FieldCHControlMode = "ch_control_mode"
	FieldWeatherTemp   = "weather_temp"

	FieldDHWMinSet = "dhw_min_set"
	FieldDHWMaxSet = "dhw_max_set"
	FieldTempUnit  = "temp_unit"
	FieldDeviceID  = "device_id"
)

// boiler_status bits.
const (
	BoilerCHActive  = 2
	BoilerDHWActive = 4
	BoilerFlame     = 8
)

// Report is a flattened snapshot of one retrieve_reply.
//
// Keys from the report, report.details, control, configuration and status
// sections share one namespace; the appliance never reuses a name across
// sections for the fields the bridge reads.
type Report map[string]any

// reportSections are the retrieve_reply members flattened into a Report.
var reportSections = []string{"report", "control", "configuration", "status"}

// newReport flattens the known sections of a decoded retrieve_reply.
func newReport(reply map[string]json.RawMessage) (Report, error) {
	r := make(Report)
	for _, name := range reportSections {
		raw, ok := reply[name]
		if !ok {
			continue
		}
		var section map[string]any
		if err := json.Unmarshal(raw, &section); err != nil {
			return nil, err
		}
		r.merge(section)
	}
	return r, nil
}

// merge copies section into r, descending into nested objects (details).
func (r Report) merge(section map[string]any) {
	for k, v := range section {
		if nested, ok := v.(map[string]any); ok {
			r.merge(nested)
			continue
		}
		r[k] = v
	}
}

// Has reports whether field is present with a non-null value.
func (r Report) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// Float returns field as a float64. Numeric strings are accepted.
func (r Report) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns field rounded towards zero.
func (r Report) Int(field string) (int, bool) {
	f, ok := r.Float(field)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String returns field as a string.
func (r Report) String(field string) (string, bool) {
	switch v := r[field].(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		f, ok := r.Float(field)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
}

// BoilerBit reports whether bit is set in boiler_status.
// ok is false when boiler_status is absent.
func (r Report) BoilerBit(bit int) (set, ok bool) {
	status, ok := r.Int(FieldBoilerStatus)
	if !ok {
		return false, false
	}
	return status&bit != 0, true
}

// Clone returns a shallow copy.
func (r Report) Clone() Report {
	out := make(Report, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
