// Package influxdb writes diagnostics points to InfluxDB v2 using the
// official influxdb-client-go library.
//
// Writes are non-blocking and batched according to the influxdb section of
// the configuration (batch_size, flush_interval). Asynchronous write errors
// are delivered to the callback set with SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("c2mon_queue", map[string]string{"queue": "hb"},
//	    map[string]any{"size": 3}, time.Now())
package influxdb
