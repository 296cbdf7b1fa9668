package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// UploadFile copies a local file to remotePath, creating parent directories.
// A non-zero mode is applied to the remote file.
func (c *Client) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	return c.uploadFile(ctx, sc, localPath, remotePath, mode)
}

func (c *Client) uploadFile(ctx context.Context, sc *sftp.Client, localPath, remotePath string, mode uint32) error {
	start := time.Now()

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer src.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer dst.Close()

	n, err := copyWithContext(ctx, dst, src)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy %s: %w", localPath, err), IsTemporary: ctx.Err() == nil}
	}
	if mode > 0 {
		if err := sc.Chmod(remotePath, os.FileMode(mode)); err != nil {
			c.logger.WithError(err).WithField("remote", remotePath).Warn("failed to set file permissions")
		}
	}

	c.logger.WithField("local", localPath).
		WithField("remote", remotePath).
		WithField("bytes", n).
		WithField("duration", time.Since(start).String()).
		Debug("file uploaded")
	return nil
}

// UploadDirectory copies the tree under localPath to remotePath over one SFTP
// session, keeping file modes.
func (c *Client) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := sc.MkdirAll(target); err != nil {
				return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory %s: %w", target, err)}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		return c.uploadFile(ctx, sc, p, target, uint32(info.Mode().Perm()))
	})
}

const copyChunk = 32 * 1024

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
