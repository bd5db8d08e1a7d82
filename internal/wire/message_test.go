package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestMessageRoundTripKeepAlive(t *testing.T) {
	if got := roundTrip(t, nil); got != nil {
		t.Fatalf("got %+v; want nil keep-alive", got)
	}
}

func TestMessageRoundTripFixedShapes(t *testing.T) {
	cases := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(42),
		MessageBitfield([]byte{0xff, 0x00, 0x3c}),
		MessageRequest(1, 16384, 16384),
		MessagePiece(1, 0, []byte("block-data")),
		MessageCancel(1, 16384, 16384),
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		if got.ID != want.ID {
			t.Fatalf("ID = %v; want %v", got.ID, want.ID)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("Payload = %x; want %x", got.Payload, want.Payload)
		}
	}
}

func TestMessageParseHelpers(t *testing.T) {
	have := MessageHave(7)
	if index, ok := have.ParseHave(); !ok || index != 7 {
		t.Fatalf("ParseHave = (%d, %v); want (7, true)", index, ok)
	}

	req := MessageRequest(1, 2, 3)
	if index, begin, length, ok := req.ParseRequest(); !ok || index != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseRequest = (%d, %d, %d, %v)", index, begin, length, ok)
	}

	cancel := MessageCancel(4, 5, 6)
	if index, begin, length, ok := cancel.ParseRequest(); !ok || index != 4 || begin != 5 || length != 6 {
		t.Fatalf("ParseRequest(cancel) = (%d, %d, %d, %v)", index, begin, length, ok)
	}

	piece := MessagePiece(9, 10, []byte("xyz"))
	if index, begin, block, ok := piece.ParsePiece(); !ok || index != 9 || begin != 10 || string(block) != "xyz" {
		t.Fatalf("ParsePiece = (%d, %d, %q, %v)", index, begin, block, ok)
	}
}

func TestMessageRejectsOversizedLengthPrefix(t *testing.T) {
	var lp [4]byte
	lp[0] = 0xFF // length far beyond maxFrameLength
	buf := bytes.NewBuffer(lp[:])

	var m Message
	if _, err := m.ReadFrom(buf); err != ErrBadLengthPrefix {
		t.Fatalf("got %v; want ErrBadLengthPrefix", err)
	}
}

func TestMessageRejectsShortRead(t *testing.T) {
	var m Message
	if _, err := m.ReadFrom(bytes.NewReader([]byte{0, 0, 0, 5, 1})); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestMessageValidatePayloadSize(t *testing.T) {
	bad := &Message{ID: Have, Payload: []byte{1, 2}}
	if err := bad.ValidatePayloadSize(); err != ErrBadPayloadSize {
		t.Fatalf("got %v; want ErrBadPayloadSize", err)
	}

	good := MessageHave(1)
	if err := good.ValidatePayloadSize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMessageIDString(t *testing.T) {
	if Request.String() != "Request" {
		t.Fatalf("String() = %q", Request.String())
	}
	if MessageID(99).String() == "" {
		t.Fatal("expected non-empty fallback string")
	}
}
