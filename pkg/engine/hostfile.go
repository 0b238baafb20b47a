package engine

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
)

// fileWrite describes one atomic replacement of a host file.
type fileWrite struct {
	// Path is the file being replaced.
	Path string

	// Data is the complete new content.
	Data []byte

	// Mode is applied to the temporary file right after it is written.
	Mode string

	// Owner, when set, is applied to the temporary file before the rename.
	Owner string

	// Validate, when set, is a command template run against the temporary file;
	// a non-zero exit aborts the write.
	Validate string
}

// hostStep is one command that must succeed.
type hostStep struct {
	message string
	command string
}

// tempSibling returns a hidden temporary path in the same directory as target,
// so the final rename never crosses a filesystem boundary.
func tempSibling(target string) string {
	dir, base := path.Split(target)
	return path.Join(dir, fmt.Sprintf(".%s.converge-%s", base, uuid.NewString()[:8]))
}

// writeAtomic replaces w.Path without ever exposing partial content: the data
// goes to a temporary sibling, the sibling gets its mode and owner, and only
// then is it renamed over the target. On any failure the sibling is removed
// and the target is left as it was.
func (e *Executor) writeAtomic(ctx context.Context, w fileWrite) error {
	tmp := tempSibling(w.Path)

	if err := e.upload(ctx, tmp, w.Data); err != nil {
		e.discard(ctx, tmp)
		return err
	}

	steps := []hostStep{{"failed to set mode on temporary file", cmdChmod(w.Mode, tmp)}}
	if w.Owner != "" {
		steps = append(steps, hostStep{"failed to set owner on temporary file", cmdChown(w.Owner, tmp, false)})
	}
	if w.Validate != "" {
		steps = append(steps, hostStep{"candidate configuration rejected", cmdValidate(w.Validate, tmp)})
	}
	steps = append(steps, hostStep{fmt.Sprintf("failed to replace %s", w.Path), cmdRename(tmp, w.Path)})

	for _, step := range steps {
		if err := e.must(ctx, step.message, step.command); err != nil {
			e.discard(ctx, tmp)
			return err
		}
	}
	return nil
}

// upload writes data to path, through the transport's FileUploader when it
// has one and a base64 pipeline otherwise.
func (e *Executor) upload(ctx context.Context, path string, data []byte) error {
	if up, ok := e.transport.(FileUploader); ok {
		if err := up.Upload(ctx, path, data); err != nil {
			return NewActionError(fmt.Sprintf("failed to upload %s", path), err)
		}
		return nil
	}
	return e.must(ctx, fmt.Sprintf("failed to write %s", path), cmdWriteBase64(data, path))
}

// discard removes a temporary file. Errors are logged: the original failure
// is the one worth reporting.
func (e *Executor) discard(ctx context.Context, path string) {
	res, err := e.transport.Execute(ctx, cmdRemove(path))
	if err != nil || !res.OK() {
		e.logger.Warn().Err(err).Str("path", path).Str("stderr", res.Stderr).Msg("failed to remove temporary file")
	}
}
