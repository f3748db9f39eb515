// Package influxdb records published appliance properties as InfluxDB v2
// time series.
//
// It wraps the official influxdb-client-go v2 library: a ping on Connect,
// then non-blocking batched writes. Batch size and flush interval come from
// the influxdb section of the configuration.
//
//	client, err := influxdb.Connect(cfg.InfluxDB, "atagone")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteProperty("centralheating/temperature", "45.2", time.Now())
//
// Write failures are asynchronous and delivered to the SetOnError callback.
package influxdb
