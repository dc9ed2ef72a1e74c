/*
Package channel provides a server-side hub and a client for a named-event push channel over WebSockets.

Every message, in both directions, is a JSON object with an event name and positional arguments:

	{"event": "proc-provider:stdin", "args": ["session-name", "ls\n"]}

The server registers a handler per inbound event name and broadcasts outbound events to the subset of connections whose
authenticated identity matches a predicate. Each connection has a bounded send buffer. When a connection falls behind,
messages for it are dropped rather than slowing down the sender.
*/
package channel
