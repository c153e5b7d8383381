package client

//go:generate mockery -name Client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/psync/pkg/codec"
	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/filedb"
	"github.com/sidkik/psync/pkg/proto"
)

// Client is the interface for sending backup commands to the agent.
//
// Commands aren't acknowledged, so a nil error only means that the command
// was written to the agent. Errors that wrap errors.ErrFileChanged only affect
// the file being uploaded, and the client remains usable. Any other error
// means the connection is broken.
type Client interface {
	GetDB() (*filedb.DB, error)
	Mkdir(proto.Mkdir) error
	Upload(proto.Upload, io.Reader) error
	Symlink(proto.Symlink) error
	Delete(proto.Delete) error
	Close() error
}

type client struct {
	r *bufio.Reader
	w *bufio.Writer

	closer io.Closer
	wait   func() error
}

// New returns a Client that reads the agent's responses from `r`, and writes
// commands to `w`. Closing the client closes `w`.
func New(r io.Reader, w io.WriteCloser) Client {
	return &client{
		r:      bufio.NewReader(r),
		w:      bufio.NewWriter(w),
		closer: w,
	}
}

// Spawn starts `command` with the shell and returns a Client connected to its
// stdin and stdout. The command's stderr is passed through so that the
// agent's diagnostics reach the user.
func Spawn(command string) (Client, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WithContext(err, "stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WithContext(err, "stdout")
	}

	log.WithField("command", command).Debug("Starting agent")
	if err := cmd.Start(); err != nil {
		return nil, errors.WithContext(err, "start")
	}

	c := New(stdout, stdin).(*client)
	c.wait = cmd.Wait
	return c, nil
}

func (c *client) send(cmd proto.Command) error {
	if err := proto.WriteCommand(c.w, cmd); err != nil {
		return errors.WithContext(err, fmt.Sprintf("send %s", cmd.Op()))
	}
	return nil
}

func (c *client) flush(cmd proto.Command) error {
	if err := c.w.Flush(); err != nil {
		return errors.WithContext(err, fmt.Sprintf("send %s", cmd.Op()))
	}
	return nil
}

// GetDB fetches a snapshot of the agent's database.
func (c *client) GetDB() (*filedb.DB, error) {
	cmd := proto.GetDB{}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	if err := c.flush(cmd); err != nil {
		return nil, err
	}

	count, err := proto.ReadCount(c.r)
	if err != nil {
		return nil, errors.WithContext(err, "read count")
	}

	db, err := filedb.ReadSnapshot(c.r, count)
	if err != nil {
		return nil, err
	}
	log.WithField("entries", count).Debug("Received remote database")
	return db, nil
}

func (c *client) Mkdir(cmd proto.Mkdir) error {
	if err := c.send(cmd); err != nil {
		return err
	}
	return c.flush(cmd)
}

func (c *client) Symlink(cmd proto.Symlink) error {
	if err := c.send(cmd); err != nil {
		return err
	}
	return c.flush(cmd)
}

func (c *client) Delete(cmd proto.Delete) error {
	if err := c.send(cmd); err != nil {
		return err
	}
	return c.flush(cmd)
}

// Upload sends the command followed by exactly cmd.Size bytes from
// `contents`. If `contents` ends early or fails, the upload is padded with
// zeros to keep the stream framed, and an error wrapping
// errors.ErrFileChanged is returned. The same error is returned if
// `contents` holds more than cmd.Size bytes.
func (c *client) Upload(cmd proto.Upload, contents io.Reader) error {
	if err := c.send(cmd); err != nil {
		return err
	}

	src := &countingReader{r: contents}
	copyErr := codec.CopyExactly(c.w, src, int64(cmd.Size))

	var writeErr codec.WriteError
	if errors.As(copyErr, &writeErr) {
		return errors.WithContext(writeErr.Err, "send upload")
	}

	if copyErr != nil {
		if err := c.pad(int64(cmd.Size) - src.n); err != nil {
			return err
		}
	}
	if err := c.flush(cmd); err != nil {
		return err
	}

	switch {
	case copyErr == codec.ErrShortRead:
		return errors.ErrFileChanged
	case copyErr != nil:
		return fmt.Errorf("%w: %s", errors.ErrFileChanged, copyErr)
	}

	var extra [1]byte
	if n, _ := io.ReadFull(contents, extra[:]); n != 0 {
		return errors.ErrFileChanged
	}
	return nil
}

func (c *client) pad(n int64) error {
	if _, err := io.CopyN(c.w, zeroReader{}, n); err != nil {
		return errors.WithContext(err, "send upload")
	}
	return nil
}

// Close ends the session. If the agent was spawned, Close waits for it to
// exit.
func (c *client) Close() error {
	flushErr := c.w.Flush()
	closeErr := c.closer.Close()

	if c.wait != nil {
		if err := c.wait(); err != nil {
			return errors.WithContext(err, "agent")
		}
	}

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
