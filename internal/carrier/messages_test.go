package carrier

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{
		"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","tracks":["inbound"],
		"customParameters":{"direction":"outbound","lead_id":"42","goal":"appointment"},
		"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`

	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Start == nil {
		t.Fatal("Start not set")
	}
	if msg.Start.CallSID != "CA1" || msg.StreamSID != "MZ1" {
		t.Errorf("got call %q stream %q", msg.Start.CallSID, msg.StreamSID)
	}
	if msg.Start.Param("direction") != DirectionOutbound {
		t.Errorf("direction = %q", msg.Start.Param("direction"))
	}
	if msg.Start.Param("missing") != "" {
		t.Error("missing param should be empty")
	}
	if msg.Start.SampleRate != 8000 || msg.Start.Encoding != "audio/x-mulaw" {
		t.Errorf("media format = %s/%d", msg.Start.Encoding, msg.Start.SampleRate)
	}
}

func TestDecodeMedia(t *testing.T) {
	raw := `{"event":"media","sequenceNumber":"7","streamSid":"MZ1",
		"media":{"track":"inbound","chunk":"5","timestamp":"100","payload":"//8="}}`

	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := msg.Media
	if m == nil {
		t.Fatal("Media not set")
	}
	if m.Sequence != 7 || m.Chunk != 5 || m.TimestampMS != 100 {
		t.Errorf("counters = %d/%d/%d", m.Sequence, m.Chunk, m.TimestampMS)
	}
	if len(m.Payload) != 2 || m.Payload[0] != 0xFF {
		t.Errorf("payload = %v", m.Payload)
	}
}

func TestDecodeOtherEvents(t *testing.T) {
	tests := []struct {
		raw   string
		check func(*Message) bool
	}{
		{`{"event":"connected","protocol":"Call","version":"1.0.0"}`, func(m *Message) bool { return m.Event == EventConnected }},
		{`{"event":"mark","streamSid":"MZ1","mark":{"name":"resp-1"}}`, func(m *Message) bool { return m.Mark != nil && m.Mark.Name == "resp-1" }},
		{`{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"5"}}`, func(m *Message) bool { return m.DTMF != nil && m.DTMF.Digit == "5" }},
		{`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`, func(m *Message) bool { return m.Stop != nil && m.Stop.CallSID == "CA1" }},
		{`{"event":"stop","streamSid":"MZ1"}`, func(m *Message) bool { return m.Stop != nil }},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.raw))
		if err != nil {
			t.Errorf("Decode(%s): %v", tt.raw, err)
			continue
		}
		if !tt.check(msg) {
			t.Errorf("Decode(%s) = %+v", tt.raw, msg)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"bad base64", `{"event":"media","media":{"payload":"***"}}`},
		{"media without body", `{"event":"media"}`},
		{"start without call", `{"event":"start","start":{"streamSid":"MZ1"}}`},
		{"unknown", `{"event":"bogus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error = %v, want *DecodeError", err)
			}
		})
	}

	_, err := Decode([]byte(`{"event":"bogus"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown event error = %v, want ErrUnknownEvent", err)
	}
}

func TestEncodeOutbound(t *testing.T) {
	data, err := EncodeMedia("MZ1", []byte{0xFF, 0xFF})
	if err != nil {
		t.Fatal(err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &media); err != nil {
		t.Fatal(err)
	}
	if media.Event != "media" || media.StreamSID != "MZ1" || media.Media.Payload != "//8=" {
		t.Errorf("media event = %s", data)
	}

	data, _ = EncodeMark("MZ1", "resp-2")
	if string(data) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"resp-2"}}` {
		t.Errorf("mark event = %s", data)
	}

	data, _ = EncodeClear("MZ1")
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Errorf("clear event = %s", data)
	}
}
