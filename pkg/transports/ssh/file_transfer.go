package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
)

// Upload implements engine.FileUploader. It creates or truncates path on the
// remote host and writes data through SFTP. Mode, ownership and renames are
// left to the caller.
func (c *Client) Upload(ctx context.Context, path string, data []byte) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	startTime := time.Now()
	f, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open %s: %w", path, err)}
	}

	n, copyErr := copyWithContext(ctx, f, bytes.NewReader(data))
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", path, copyErr)}
	}

	c.logger.Debug().
		Str("path", path).
		Int64("bytes", n).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")
	return nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to start sftp subsystem: %w", err),
			IsTemporary: true,
		}
	}
	return client, nil
}

// copyWithContext copies in chunks, checking ctx between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
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
