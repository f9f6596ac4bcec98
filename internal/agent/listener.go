//go:build linux

package agent

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/wire"
)

// vsockPort is the fixed guest-side control port; the host dials
// (guest_cid, vsockPort) once the VM boots.
const vsockPort = 1234

// maxSecretMismatches is how many consecutive bad secrets one
// accepted connection tolerates before it's dropped, per §4.8's
// mismatch-cooldown note.
const maxSecretMismatches = 3

// Server owns the parsed boot config and serves the vsock control
// channel for the lifetime of the guest.
type Server struct {
	cfg *Config
	log *slog.Logger
}

// NewServer builds a Server from a parsed Config.
func NewServer(cfg *Config, log *slog.Logger) *Server {
	return &Server{cfg: cfg, log: log}
}

// Serve binds the vsock listener and accepts connections until the
// listener itself fails (which in this design only happens when the
// socket layer is gone, i.e. the VM is being torn down).
func (s *Server) Serve() error {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("agent: vsock socket: %w", err)
	}
	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: vsockPort}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("agent: vsock bind port %d: %w", vsockPort, err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return fmt.Errorf("agent: vsock listen: %w", err)
	}
	defer unix.Close(fd)

	s.log.Info("agent: listening on vsock", "port", vsockPort)

	for {
		nfd, _, err := unix.Accept(fd)
		if err != nil {
			return fmt.Errorf("agent: vsock accept: %w", err)
		}
		go s.handleConn(nfd)
	}
}

func (s *Server) handleConn(fd int) {
	conn := os.NewFile(uintptr(fd), "vsock-conn")
	defer conn.Close()

	r := bufio.NewReader(conn)
	codec := wire.JSONCodec{}
	mismatches := 0
	seq := map[wire.StreamTag]uint64{}

	for {
		msg, err := wire.ReadMessage(r, codec)
		if err != nil {
			s.log.Warn("agent: connection closed", "err", err)
			return
		}

		switch msg.Type {
		case wire.TypePing:
			if err := wire.WriteMessage(conn, codec, &wire.Message{Type: wire.TypePong, Pong: &wire.Pong{}}); err != nil {
				return
			}

		case wire.TypeExecRequest:
			if !s.checkSecret(msg.Exec.Secret, &mismatches) {
				if mismatches >= maxSecretMismatches {
					return
				}
				s.sendExecError(conn, codec)
				continue
			}
			for k := range seq {
				delete(seq, k)
			}
			if err := s.handleExec(conn, codec, msg.Exec, seq); err != nil {
				return
			}

		case wire.TypeWriteFileRequest:
			resp := s.handleWriteFile(msg.WriteFile)
			if err := wire.WriteMessage(conn, codec, &wire.Message{Type: wire.TypeWriteFileResponse, WriteFileResp: resp}); err != nil {
				return
			}

		case wire.TypeMkdirPRequest:
			resp := s.handleMkdirP(msg.MkdirP)
			if err := wire.WriteMessage(conn, codec, &wire.Message{Type: wire.TypeMkdirPResponse, MkdirPResp: resp}); err != nil {
				return
			}

		case wire.TypeShutdown:
			wire.WriteMessage(conn, codec, &wire.Message{Type: wire.TypeShutdownAck, ShutdownAck: &wire.ShutdownAck{}})
			return

		default:
			return
		}
	}
}

// checkSecret performs a constant-time comparison against the boot
// secret and tracks consecutive failures on this connection.
func (s *Server) checkSecret(got [32]byte, mismatches *int) bool {
	if subtle.ConstantTimeCompare(got[:], s.cfg.Secret[:]) == 1 {
		*mismatches = 0
		return true
	}
	*mismatches++
	return false
}

func (s *Server) sendExecError(conn *os.File, codec wire.Codec) {
	wire.WriteMessage(conn, codec, &wire.Message{
		Type: wire.TypeExecResponse,
		Exec2: &wire.ExecResponse{
			ExitCode: -1,
		},
	})
}

func (s *Server) handleExec(conn *os.File, codec wire.Codec, req *wire.ExecRequest, seq map[wire.StreamTag]uint64) error {
	if !s.cfg.IsAllowed(req.Program) {
		return wire.WriteMessage(conn, codec, &wire.Message{
			Type:  wire.TypeExecResponse,
			Exec2: &wire.ExecResponse{ExitCode: -1},
		})
	}

	var timeout time.Duration
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	output := func(isStderr bool, data []byte) {
		tag := wire.StreamStdout
		if isStderr {
			tag = wire.StreamStderr
		}
		n := seq[tag]
		seq[tag] = n + 1
		wire.WriteMessage(conn, codec, &wire.Message{
			Type:  wire.TypeExecOutputChunk,
			Chunk: &wire.ExecOutputChunk{Stream: tag, Data: data, Seq: n},
		})
	}

	result, err := RunChild(ExecParams{
		Program:    req.Program,
		Args:       req.Args,
		Env:        env,
		Stdin:      req.Stdin,
		WorkingDir: req.WorkingDir,
		Timeout:    timeout,
		Rlimits: Rlimits{
			AddressSpace: s.cfg.RlimitAS,
			NumFiles:     s.cfg.RlimitNofile,
			NumProcs:     s.cfg.RlimitNproc,
			FileSize:     s.cfg.RlimitFsize,
		},
		Output: output,
	})
	if err != nil {
		return wire.WriteMessage(conn, codec, &wire.Message{
			Type:  wire.TypeExecResponse,
			Exec2: &wire.ExecResponse{ExitCode: -1},
		})
	}

	return wire.WriteMessage(conn, codec, &wire.Message{
		Type: wire.TypeExecResponse,
		Exec2: &wire.ExecResponse{
			ExitCode:   result.ExitCode,
			DurationMs: uint64(result.Duration.Milliseconds()),
		},
	})
}
