package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
)

// uploadPath copies the local file or directory at localPath to remotePath.
func (c *client) uploadPath(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local path: %w", err)}
	}
	if !info.IsDir() {
		return c.uploadFile(ctx, localPath, remotePath, info.Mode().Perm())
	}

	c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("uploading directory")

	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}
	return filepath.Walk(localPath, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if fi.IsDir() {
			if err := sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		return c.uploadFile(ctx, p, target, fi.Mode().Perm())
	})
}

// uploadFile copies a single local file to remotePath with the given mode.
func (c *client) uploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	start := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err)}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// downloadPath copies the remote file or directory at remotePath to
// localPath.
func (c *client) downloadPath(ctx context.Context, remotePath, localPath string) error {
	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}

	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to stat remote path: %w", err)}
	}
	if !info.IsDir() {
		return c.downloadFile(ctx, remotePath, localPath)
	}

	c.logger.Debug().Str("remote", remotePath).Str("local", localPath).Msg("downloading directory")

	walker := sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{Op: "download", Err: fmt.Errorf("failed to walk remote directory: %w", err)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localPath, rel)

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}
		if err := c.downloadFile(ctx, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile copies a single remote file to localPath.
func (c *client) downloadFile(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()

	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer localFile.Close()

	written, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err)}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")
	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
