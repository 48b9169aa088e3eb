// Package mqtt provides the MQTT client used to mirror relayed commands to
// vendor bridges.
//
// It wraps eclipse/paho.mqtt.golang with:
//   - Last Will and a retained online/offline status on casa/system/status
//   - Auto-reconnect with subscriptions restored after each reconnect
//   - Validated publishing (topic, QoS, payload size)
//   - Panic recovery around message handlers
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.Command("garage-1"), payload, client.QoS(), false)
package mqtt
