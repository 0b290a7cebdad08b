// Package notifier defines what a node publishes to the outside world.
package notifier

// Notification is published on Topic with Data encoded as JSON.
type Notification struct {
	Topic string
	Data  interface{}
}
