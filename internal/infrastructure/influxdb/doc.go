// Package influxdb writes Tor bootstrap and lifecycle metrics to InfluxDB v2.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint(influxdb.BootstrapPoint(h.ID(), 45, "loading_descriptors", time.Now()))
//
// Writes are non-blocking and batched per influxdb.batch_size and
// influxdb.flush_interval. Write failures are delivered to SetOnError.
// Connection and health check errors are returned directly.
package influxdb
