// Package eventbus delivers integration events between services with
// at-least-once semantics: a transactional outbox on the producer side, a
// deduplicating inbox on the consumer side, and RabbitMQ in between.
//
// Producers store events atomically with their business state via PublishTx
// and a background relay drains them to the broker. Consumers register event
// types and handlers on a messaging.Registry; deliveries run through a
// pipeline that dedups, decodes, fans out to handlers, and maps outcomes to
// broker acknowledgements, retries, or dead-lettering.
package eventbus
