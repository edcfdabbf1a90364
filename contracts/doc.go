// Package contracts defines the event types, result enums, and error
// classifications shared between the publish path, the consume path, and the
// persistent stores.
package contracts
