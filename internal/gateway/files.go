package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leibniz-psychology/bawwab/internal/protocol"
	"github.com/leibniz-psychology/bawwab/internal/remote"
)

func remotePath(r *http.Request) string {
	return path.Clean("/" + chi.URLParam(r, "*"))
}

// handleFileGet streams a regular file or lists a directory.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	p := remotePath(r)

	err := s.conns.Files(r.Context(), session.User, func(fc remote.FileClient) error {
		fi, err := fc.Stat(p)
		if err != nil {
			return err
		}

		switch {
		case fi.IsDir():
			infos, err := fc.ReadDir(p)
			if err != nil {
				return err
			}
			entries := make([]protocol.FileEntry, 0, len(infos))
			for _, info := range infos {
				entries = append(entries, protocol.NewFileEntry(info))
			}
			writeJSON(w, http.StatusOK, entries)
			return nil

		case fi.Mode().IsRegular():
			f, err := fc.Open(p)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
			w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
			w.WriteHeader(http.StatusOK)
			if _, err := io.Copy(w, f); err != nil {
				// Headers are gone, all we can do is cut the response short.
				s.log.Debug().Err(err).Str("path", p).Msg("file download aborted")
			}
			return nil

		default:
			return errInvalidType
		}
	})
	if err != nil {
		s.writeError(w, r, err)
	}
}

// handleFilePut replaces a file with the request body.
func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	p := remotePath(r)

	err := s.conns.Files(r.Context(), session.User, func(fc remote.FileClient) error {
		f, err := fc.Create(p)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r.Body); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}

// handleFileDelete removes a file or an empty directory.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	p := remotePath(r)

	err := s.conns.Files(r.Context(), session.User, func(fc remote.FileClient) error {
		fi, err := fc.Stat(p)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return fc.RemoveDirectory(p)
		}
		return fc.Remove(p)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}

// handleFileOperation renames, copies or creates a directory.
func (s *Server) handleFileOperation(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	p := remotePath(r)

	var op protocol.FileOperation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		s.writeError(w, r, errBadRequest)
		return
	}
	var dst string
	if op.Destination != "" {
		dst = path.Clean("/" + op.Destination)
	}

	var fn func(remote.FileClient) error
	switch op.Op {
	case protocol.FileOpMkdir:
		fn = func(fc remote.FileClient) error { return fc.Mkdir(p) }
	case protocol.FileOpRename, protocol.FileOpCopy:
		if dst == "" {
			s.writeError(w, r, errBadRequest)
			return
		}
		if op.Op == protocol.FileOpRename {
			fn = func(fc remote.FileClient) error { return fc.Rename(p, dst) }
		} else {
			fn = func(fc remote.FileClient) error { return remote.CopyFile(fc, p, dst) }
		}
	default:
		s.writeError(w, r, errBadRequest)
		return
	}

	if err := s.conns.Files(r.Context(), session.User, fn); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, protocol.StatusOK)
}
