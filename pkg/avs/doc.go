// Package avs provides a client for an Alexa Voice Service style
// voice-assistant protocol.
//
// It maintains the full-duplex session with the service: a long-lived
// downchannel delivering directives, streaming event uploads with live
// audio, OAuth2 token refresh, and the capability handlers for speech
// recognition, speech synthesis, long-form audio and alerts.
package avs
