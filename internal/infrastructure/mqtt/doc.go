// Package mqtt provides MQTT client connectivity for the bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and payload-size checks
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament for offline detection
//
// The Homie layer (internal/homie) builds the device topic tree on top of
// this client; nothing here knows about Homie.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic: "homie/atagone/$state", Payload: "lost", QoS: 1, Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish("homie/atagone/$state", []byte("ready"), 1, true)
//
// Broker-backed tests live behind the "integration" build tag.
package mqtt
