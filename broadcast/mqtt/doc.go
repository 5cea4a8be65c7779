// Package mqtt implements broadcast.Broadcaster over an MQTT broker using
// paho.mqtt.golang.
//
// Every kernel publishes JSON-encoded broadcast.Message values to one topic
// and subscribes to the same topic. Delivery is best effort: messages
// published while disconnected are lost, and the subscription is restored on
// reconnect.
package mqtt
