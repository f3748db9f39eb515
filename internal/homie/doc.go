// Package homie publishes the bridge as a Homie 3.0 device.
//
// A Device owns the topic tree under <topic>/<device id>: device attributes
// ($homie, $name, $state, $nodes, $fw/*, $implementation, $stats/*), one node
// per property group and one retained value topic per property. Settable
// properties get a <property>/set subscription whose payloads are handed to
// the registered SetHandler.
//
// Lifecycle:
//
//	dev, _ := homie.NewDevice(client, cfg)
//	dev.Register(specs, limits, state, onSet) // $state: init -> ready
//	dev.Publish("centralheating/temperature", "45.2")
//	dev.Alert()                                // appliance lost, $state: alert
//	dev.Close()                                // $state: disconnected
//
// The MQTT Last Will should publish "lost" to StateTopic.
package homie
