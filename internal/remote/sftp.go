package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pkg/sftp"
)

// SFTP status codes (draft-ietf-secsh-filexfer-02, section 7).
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
)

// sftpFiles adapts *sftp.Client to FileClient.
type sftpFiles struct {
	c *sftp.Client
}

func (f sftpFiles) Stat(path string) (os.FileInfo, error)      { return f.c.Stat(path) }
func (f sftpFiles) ReadDir(path string) ([]os.FileInfo, error) { return f.c.ReadDir(path) }
func (f sftpFiles) Remove(path string) error                   { return f.c.Remove(path) }
func (f sftpFiles) RemoveDirectory(path string) error          { return f.c.RemoveDirectory(path) }
func (f sftpFiles) Rename(oldpath, newpath string) error       { return f.c.Rename(oldpath, newpath) }
func (f sftpFiles) Mkdir(path string) error                    { return f.c.Mkdir(path) }
func (f sftpFiles) Getwd() (string, error)                     { return f.c.Getwd() }
func (f sftpFiles) Close() error                               { return f.c.Close() }

func (f sftpFiles) Open(path string) (io.ReadCloser, error) {
	return f.c.Open(path)
}

func (f sftpFiles) Create(path string) (io.WriteCloser, error) {
	return f.c.Create(path)
}

// translateFileError maps file channel failures onto the three kinds the
// gateway distinguishes. nil stays nil.
func translateFileError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrFailure) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxNoSuchFile:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case fxPermissionDenied:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrFailure, err)
}

// CopyFile copies src to dst through the file channel. SFTP has no server
// side copy, so the data is streamed through the gateway.
func CopyFile(fc FileClient, src, dst string) error {
	in, err := fc.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := fc.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
