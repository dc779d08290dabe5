// Package mqtt connects onionwarden to an MQTT broker.
//
// The broker is optional. When enabled, onionwarden publishes a retained
// presence message (with a Last Will for crashes), the retained Tor state,
// bootstrap progress and optionally every Tor log line, and accepts
// start/stop commands. Topic names are built with Topics.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.TorState(), state, true)
//
// The connection retries with exponential backoff between
// reconnect.initial_delay and reconnect.max_delay; subscriptions are
// restored on each reconnect.
package mqtt
