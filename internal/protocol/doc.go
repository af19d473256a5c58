// ABOUTME: Package documentation for the control-connection wire protocol.
// ABOUTME: Defines message variants shared by the relay server and tunnel client.

// Package protocol defines the JSON message schema carried over the
// persistent control connection between an agent's tunnel client and the
// relay server.
//
// Every proxied HTTP request travels as a RequestEnvelope keyed by a
// correlation id. The agent answers with either a single ResponseMessage or
// a StreamStart / StreamChunk* / StreamEnd sequence for long-lived responses
// such as MJPEG feeds. The relay can ask the agent to abandon a stream with
// CancelStream.
//
// Messages are parsed exactly once at the connection boundary into typed
// variants; the rest of the pipeline never handles loose maps.
package protocol
