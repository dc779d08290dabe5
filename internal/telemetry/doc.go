// Package telemetry mirrors supervisor activity to MQTT and InfluxDB and
// accepts start/stop commands over MQTT.
//
// The observers here implement tor.Observer. MQTTObserver queues messages
// and publishes them from its own goroutine so a slow broker never delays
// readiness detection; when the queue is full, messages are dropped and
// counted. InfluxObserver relies on the non-blocking InfluxDB write API.
package telemetry
