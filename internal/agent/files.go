//go:build linux

package agent

import (
	"os"
	"path/filepath"

	"github.com/the-void-ia/void-box/internal/wire"
)

// handleWriteFile creates (or truncates) the file at req.Path and
// writes req.Bytes to it, creating any missing parent directories
// first -- the host API surface has no separate "create parents"
// flag for write_file, so this always behaves like mkdir -p + write.
func (s *Server) handleWriteFile(req *wire.WriteFileRequest) *wire.WriteFileResponse {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return &wire.WriteFileResponse{OK: false, Error: err.Error()}
	}
	if err := os.WriteFile(req.Path, req.Bytes, 0o644); err != nil {
		return &wire.WriteFileResponse{OK: false, Error: err.Error()}
	}
	return &wire.WriteFileResponse{OK: true}
}

func (s *Server) handleMkdirP(req *wire.MkdirPRequest) *wire.MkdirPResponse {
	if err := os.MkdirAll(req.Path, 0o755); err != nil {
		return &wire.MkdirPResponse{OK: false, Error: err.Error()}
	}
	return &wire.MkdirPResponse{OK: true}
}
