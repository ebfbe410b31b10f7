package bridge

import "time"

// AudioFrame is one inbound chunk of caller audio. It is not modified after
// the ingress loop builds it, and is handed off by value or pointer exactly
// once to its next stage.
type AudioFrame struct {
	// Seq is the bridge's own monotonic counter for this stream.
	Seq uint64
	// CarrierSeq is the carrier's sequence number, kept for diagnostics.
	CarrierSeq int64
	Payload    []byte
	Received   time.Time
	// Energy is the frame RMS level in dBFS.
	Energy float64
}
