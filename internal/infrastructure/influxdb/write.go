package influxdb

import (
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurement is the InfluxDB measurement for appliance properties.
const measurement = "atag"

// WriteProperty records one published property value.
//
// key is "<node>/<property>". Numbers are written as the float field
// "value", booleans as 0/1 in "value", anything else as the string
// field "state".
//
//	client.WriteProperty("centralheating/temperature", "45.2", time.Now())
//	// atag,device=atagone,node=centralheating,property=temperature value=45.2
func (c *Client) WriteProperty(key, value string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	node, prop, ok := strings.Cut(key, "/")
	if !ok {
		node, prop = "", key
	}

	tags := map[string]string{"property": prop}
	if node != "" {
		tags["node"] = node
	}
	if c.deviceID != "" {
		tags["device"] = c.deviceID
	}

	c.WritePointWithTime(measurement, tags, propertyFields(value), at)
}

// propertyFields converts a published string value into point fields.
func propertyFields(value string) map[string]any {
	switch value {
	case "true":
		return map[string]any{"value": 1.0}
	case "false":
		return map[string]any{"value": 0.0}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return map[string]any{"value": f}
	}
	return map[string]any{"state": value}
}

// WritePointWithTime writes an arbitrary point.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
