/*
Package ipc provides typed channels that cross process boundaries. Each channel is one WebSocket connection carried over a unix domain socket owned by a Hub, with one JSON message per value, so it only requires an HTTP server on a local socket.

A Hub listens on a socket in a private temp directory. NewChannel registers an endpoint on the hub and returns both halves of a channel. One half stays in the creating process; the other half is serialized (it implements json.Marshaler) and sent to another process, typically inside a message on another channel. When the receiving process first uses the deserialized half it dials the hub, and the endpoint is attached to that connection. An endpoint accepts exactly one connection.

Channels are bootstrapped with a named one-shot channel:

1. The creator calls NewOneShot and gets a OneShot and a name string that is unique across processes.
2. The name is handed to another process out of band (an environment variable, for instance).
3. That process calls ConnectOneShot with the name and gets a Receiver. A second connect with the same name is rejected.
4. The creator's OneShot.Accept returns the Sender for that connection, and the first message usually carries the halves of the real, long-lived channels.

Channels behave like the in-memory channels in package channel: values are delivered in order, and once the peer goes away (orderly close, process exit, or transport failure) operations fail with a *channel.DisconnectedError whose Cause is set only for transport failures. WebSocket errors never leak out of this package.
*/
package ipc
