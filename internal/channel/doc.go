// ABOUTME: Package documentation for the channel adapter layer
// ABOUTME: Describes the adapter contract, registry, and reference adapters

// Package channel defines the adapter contract that maps between
// channel-native message formats and the engine's canonical shapes.
//
// Each channel (web chat, voice assistant, mobile voice, direct API)
// implements Adapter. An adapter owns four translation points:
//
//   - PreprocessMessage: channel-native inbound bytes -> Message
//   - PostprocessResponse: canonical Response -> channel-tuned Response
//   - AdaptResponse: channel-tuned Response -> channel-native outbound bytes
//   - ExportState / ImportState: adapter-private sub-state handoff across
//     channel switches
//
// Export blobs are JSON objects with stable snake_case keys. ImportState
// reports any keys it could not honor; those feed the switch record's
// lost-data list so a handoff is never silently lossy.
//
// The Registry holds one adapter per channel type and is safe for
// concurrent use.
package channel
