// Package publisher implements the ordered-commit producer pipeline.
//
// Change events enter through Producer.Push into a bounded EventQueue. A
// single Worker takes them in order, renders a payload with a Transformer,
// registers a Ticket with the InFlightTracker and submits the message to an
// asynchronous Sink. Each submission resolves on its own goroutine, in any
// order; the tracker only moves the committed position across the
// contiguous prefix of completed tickets, so a restart from the persisted
// position never skips an unpublished event.
//
// # Delivery
//
// Delivery is at-least-once. Events handed to the queue but not yet
// committed are published again after a restart or a reconnect.
//
// # Failure policy
//
// A message that fails terminally is reported to the ErrorReporter and its
// ticket is left outstanding, which freezes the committed position. With
// IgnoreProducerError set the failure is logged and the ticket completes,
// trading data loss for progress.
//
// # Sinks and formats
//
// Sinks and transformers register themselves by name:
//
//	publisher.RegisterSink("kafka", newKafkaSink)
//	publisher.RegisterTransformer("json", newJSONTransformer)
//
// and are instantiated from cfg.ProducerConfiguration by
// NewProducerFromConfig.
//
// # Thread Safety
//
// Push must be called from one goroutine. Tracker methods are safe for
// concurrent use; the tracker lock is never held across persistence I/O.
package publisher
