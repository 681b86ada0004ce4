/*
Package events fans delivery events out to in-process subscribers.

The controller publishes an Event for every accepted command, every
finalization pass and every change in device certainty. The API streams
them to clients over server-sent events.

Publish never blocks: when the broker queue is full, or a subscriber's
buffer is, the event is dropped for that reader. Events are a notification
channel only. The persisted delivery state and the dose log stay the
record of what was delivered.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
