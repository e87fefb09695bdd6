// Package mqtt is the broker transport used by the connection
// supervisor. It hides the two client libraries behind a small
// [Dialer]/[Conn] contract: a Dialer opens one broker session per call,
// and a Conn publishes on that session until it is lost or closed.
//
// MQTT v5 sessions use Eclipse Paho v2 ([paho] package) over a plain
// or TLS net.Conn. MQTT 3.1.1 sessions use the Eclipse Paho v1 client
// with its own reconnect logic disabled, since reconnection is driven
// by the caller. Both register a retained will message so the
// availability topic flips to "offline" if the process dies without
// disconnecting.
package mqtt
