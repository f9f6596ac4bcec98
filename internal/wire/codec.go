package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Codec converts between a Message and its wire payload. The protocol
// deliberately leaves the payload encoding open (tagged JSON or a compact
// binary form); JSONCodec is the reference implementation and the one used
// by both the host session layer and the guest agent in this repo.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(t Type, payload []byte) (*Message, error)
}

// JSONCodec implements Codec with plain JSON objects. Field names are
// fixed below and MUST NOT change without a protocol version bump, since
// they are the wire contract between independently-built host and guest
// binaries.
type JSONCodec struct{}

type wireExecRequest struct {
	Secret     string            `json:"secret"`
	Program    string            `json:"program"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	Stdin      []byte            `json:"stdin"`
	TimeoutMs  uint64            `json:"timeout_ms,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

type wireExecResponse struct {
	ExitCode   int32  `json:"exit_code"`
	Stdout     []byte `json:"stdout"`
	Stderr     []byte `json:"stderr"`
	DurationMs uint64 `json:"duration_ms"`
}

type wireExecOutputChunk struct {
	Stream uint8  `json:"stream"`
	Data   []byte `json:"data"`
	Seq    uint64 `json:"seq"`
}

type wireWriteFileRequest struct {
	Path  string `json:"path"`
	Bytes []byte `json:"bytes"`
}

type wireWriteFileResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type wireMkdirPRequest struct {
	Path string `json:"path"`
}

type wireMkdirPResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	switch m.Type {
	case TypePing, TypePong, TypeShutdown, TypeShutdownAck:
		return nil, nil
	case TypeExecRequest:
		r := m.Exec
		return json.Marshal(wireExecRequest{
			Secret:     hex.EncodeToString(r.Secret[:]),
			Program:    r.Program,
			Args:       r.Args,
			Env:        r.Env,
			Stdin:      r.Stdin,
			TimeoutMs:  r.TimeoutMs,
			WorkingDir: r.WorkingDir,
		})
	case TypeExecResponse:
		r := m.Exec2
		return json.Marshal(wireExecResponse{
			ExitCode:   r.ExitCode,
			Stdout:     r.Stdout,
			Stderr:     r.Stderr,
			DurationMs: r.DurationMs,
		})
	case TypeExecOutputChunk:
		c := m.Chunk
		return json.Marshal(wireExecOutputChunk{Stream: uint8(c.Stream), Data: c.Data, Seq: c.Seq})
	case TypeWriteFileRequest:
		return json.Marshal(wireWriteFileRequest{Path: m.WriteFile.Path, Bytes: m.WriteFile.Bytes})
	case TypeWriteFileResponse:
		return json.Marshal(wireWriteFileResponse{OK: m.WriteFileResp.OK, Error: m.WriteFileResp.Error})
	case TypeMkdirPRequest:
		return json.Marshal(wireMkdirPRequest{Path: m.MkdirP.Path})
	case TypeMkdirPResponse:
		return json.Marshal(wireMkdirPResponse{OK: m.MkdirPResp.OK, Error: m.MkdirPResp.Error})
	default:
		return nil, &FramingError{Reason: fmt.Sprintf("unknown message type %d", uint8(m.Type))}
	}
}

func (JSONCodec) Decode(t Type, payload []byte) (*Message, error) {
	switch t {
	case TypePing:
		return &Message{Type: t, Ping: &Ping{}}, nil
	case TypePong:
		return &Message{Type: t, Pong: &Pong{}}, nil
	case TypeShutdown:
		return &Message{Type: t, Shutdown: &Shutdown{}}, nil
	case TypeShutdownAck:
		return &Message{Type: t, ShutdownAck: &ShutdownAck{}}, nil
	case TypeExecRequest:
		var w wireExecRequest
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		secretBytes, err := hex.DecodeString(w.Secret)
		if err != nil || len(secretBytes) != 32 {
			return nil, fmt.Errorf("invalid secret encoding")
		}
		var secret [32]byte
		copy(secret[:], secretBytes)
		return &Message{Type: t, Exec: &ExecRequest{
			Secret: secret, Program: w.Program, Args: w.Args, Env: w.Env,
			Stdin: w.Stdin, TimeoutMs: w.TimeoutMs, WorkingDir: w.WorkingDir,
		}}, nil
	case TypeExecResponse:
		var w wireExecResponse
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, Exec2: &ExecResponse{
			ExitCode: w.ExitCode, Stdout: w.Stdout, Stderr: w.Stderr, DurationMs: w.DurationMs,
		}}, nil
	case TypeExecOutputChunk:
		var w wireExecOutputChunk
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, Chunk: &ExecOutputChunk{Stream: StreamTag(w.Stream), Data: w.Data, Seq: w.Seq}}, nil
	case TypeWriteFileRequest:
		var w wireWriteFileRequest
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, WriteFile: &WriteFileRequest{Path: w.Path, Bytes: w.Bytes}}, nil
	case TypeWriteFileResponse:
		var w wireWriteFileResponse
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, WriteFileResp: &WriteFileResponse{OK: w.OK, Error: w.Error}}, nil
	case TypeMkdirPRequest:
		var w wireMkdirPRequest
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, MkdirP: &MkdirPRequest{Path: w.Path}}, nil
	case TypeMkdirPResponse:
		var w wireMkdirPResponse
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Message{Type: t, MkdirPResp: &MkdirPResponse{OK: w.OK, Error: w.Error}}, nil
	default:
		return nil, &FramingError{Reason: fmt.Sprintf("unknown message type %d", uint8(t))}
	}
}
