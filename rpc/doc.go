/*
Package rpc bridges a worker's line-delimited JSON-RPC 2.0 stdio stream to concurrent Go callers.

Each message is one JSON object on one line. The bridge writes requests and notifications to the worker's stdin and runs a single reader over its stdout:

	-> {"jsonrpc":"2.0","id":2,"method":"tools/call","params":{...}}
	<- {"jsonrpc":"2.0","method":"notifications/progress","params":{...}}
	<- {"jsonrpc":"2.0","id":2,"result":{...}}

The protocol has no multiplexing of its own, so every request gets a correlation id and a pending slot before it is written, and the reader hands each response to the slot with the same id.
Responses for ids nobody is waiting for (late, duplicate, or made up) are dropped. Lines that are not JSON-RPC are dropped too, since workers sometimes print diagnostics to stdout.

The bridge is usable only after Handshake, which sends "initialize" with id 1 followed by the "notifications/initialized" notification. Caller ids start at 2.

When the worker exits or its stdout closes, every outstanding call fails with ErrProcessTerminated and the bridge stays closed. A new bridge is needed for a new process.
*/
package rpc
