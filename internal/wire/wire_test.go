package wire

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, JSONCodec{}, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(bufio.NewReader(&buf), JSONCodec{})
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestRoundTripEveryType(t *testing.T) {
	var secret [32]byte
	_, _ = rand.Read(secret[:])

	cases := []*Message{
		{Type: TypePing, Ping: &Ping{}},
		{Type: TypePong, Pong: &Pong{}},
		{Type: TypeShutdown, Shutdown: &Shutdown{}},
		{Type: TypeShutdownAck, ShutdownAck: &ShutdownAck{}},
		{Type: TypeExecRequest, Exec: &ExecRequest{
			Secret: secret, Program: "/bin/echo", Args: []string{"hello"},
			Env: map[string]string{"PATH": "/bin"}, Stdin: []byte("in"),
			TimeoutMs: 5000, WorkingDir: "/root",
		}},
		{Type: TypeExecResponse, Exec2: &ExecResponse{ExitCode: 0, Stdout: []byte("hello\n"), DurationMs: 12}},
		{Type: TypeExecOutputChunk, Chunk: &ExecOutputChunk{Stream: StreamStdout, Data: []byte("x"), Seq: 3}},
		{Type: TypeWriteFileRequest, WriteFile: &WriteFileRequest{Path: "/tmp/a", Bytes: []byte("data")}},
		{Type: TypeWriteFileResponse, WriteFileResp: &WriteFileResponse{OK: true}},
		{Type: TypeMkdirPRequest, MkdirP: &MkdirPRequest{Path: "/a/b/c"}},
		{Type: TypeMkdirPResponse, MkdirPResp: &MkdirPResponse{OK: true}},
	}

	for _, m := range cases {
		got := roundTrip(t, m)
		if got.Type != m.Type {
			t.Fatalf("type mismatch: want %s got %s", m.Type, got.Type)
		}
		switch m.Type {
		case TypeExecRequest:
			if got.Exec.Program != m.Exec.Program || got.Exec.Secret != m.Exec.Secret {
				t.Fatalf("ExecRequest mismatch: %+v vs %+v", got.Exec, m.Exec)
			}
		case TypeExecOutputChunk:
			if got.Chunk.Seq != m.Chunk.Seq || got.Chunk.Stream != m.Chunk.Stream {
				t.Fatalf("ExecOutputChunk mismatch")
			}
		}
	}
}

func TestOversizeLengthIsFramingError(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, HeaderSize)
	// length field set beyond MaxMessageSize
	hdr[0], hdr[1], hdr[2], hdr[3] = 0, 0, 0, 0x05 // 0x05000000 > 64MiB
	hdr[4] = byte(TypePing)
	buf.Write(hdr)

	_, err := ReadMessage(bufio.NewReader(&buf), JSONCodec{})
	if err == nil {
		t.Fatalf("expected framing error for oversize length")
	}
	var fe *FramingError
	if !asFramingError(err, &fe) {
		t.Fatalf("expected *FramingError, got %T: %v", err, err)
	}
}

func asFramingError(err error, target **FramingError) bool {
	if fe, ok := err.(*FramingError); ok {
		*target = fe
		return true
	}
	return false
}

func TestMaxMessageSizeBoundaryAccepted(t *testing.T) {
	// A frame whose length field equals MaxMessageSize exactly must be
	// accepted, pairing with TestOversizeLengthIsFramingError's
	// rejection of a length above it. TypePing's payload isn't parsed by the
	// codec, so the padding bytes below only need to be present, not
	// meaningful JSON.
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(MaxMessageSize))
	hdr[4] = byte(TypePing)

	var buf bytes.Buffer
	buf.Write(hdr[:])
	buf.Write(make([]byte, MaxMessageSize))

	got, err := ReadMessage(bufio.NewReader(&buf), JSONCodec{})
	if err != nil {
		var fe *FramingError
		if asFramingError(err, &fe) {
			t.Fatalf("length == MaxMessageSize was rejected as a framing error: %v", fe)
		}
		t.Fatalf("ReadMessage at MaxMessageSize boundary: %v", err)
	}
	if got.Type != TypePing {
		t.Fatalf("got type %s, want Ping", got.Type)
	}
}

func TestRedactEnv(t *testing.T) {
	in := map[string]string{
		"API_KEY":  "abc123",
		"password": "hunter2",
		"PATH":     "/bin",
		"MY_TOKEN": "xyz",
	}
	out := RedactEnv(in)
	if out["API_KEY"] != "<redacted>" || out["password"] != "<redacted>" || out["MY_TOKEN"] != "<redacted>" {
		t.Fatalf("expected sensitive keys redacted: %+v", out)
	}
	if out["PATH"] != "/bin" {
		t.Fatalf("expected PATH left alone, got %q", out["PATH"])
	}
}
