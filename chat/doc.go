// Package chat contains the Twitch IRC listener engine: the raw-socket
// connection manager, the tag-line parsers for monetized events, and the
// per-channel listener unit that ties them to the event log and the queue.
//
// One Listener handles exactly one channel. It runs as a single goroutine
// under a supervisor: read a line, parse it, and for accepted events run
// dedup gate -> event log append -> queue publish, strictly in that order.
// The log append is durable before the publish is attempted, so a publish
// failure never loses an event; queue delivery is at-least-once.
//
// Credentials: the IRC connection authenticates with a bot nick and a static
// token (PASS/NICK), then requests the twitch.tv/tags, commands and
// membership capabilities so that monetized events arrive as tagged
// PRIVMSG/USERNOTICE lines.
package chat
