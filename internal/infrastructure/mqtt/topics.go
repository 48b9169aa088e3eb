package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every relay topic.
//
//	casa/command/{deviceId}  relay -> vendor bridge
//	casa/ack/{deviceId}      vendor bridge -> relay
//	casa/system/status       retained relay online/offline status
const TopicPrefix = "casa"

// Topics provides builders for relay MQTT topics.
type Topics struct{}

// Command returns the topic a device command is mirrored to.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// Ack returns the topic a vendor bridge acknowledges a device command on.
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// AllAcks matches acknowledgments for every device.
func (Topics) AllAcks() string {
	return TopicPrefix + "/ack/+"
}

// SystemStatus returns the retained relay status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceFromTopic extracts the device id from a casa/{kind}/{deviceId} topic.
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
