// Package sandbox compiles validated tool source against a capability-
// limited namespace and executes it in an isolated worker process under the
// resource governor. The worker shares nothing with the host but a
// line-delimited JSON protocol over its standard streams: the host sends
// one work request and capability replies; the worker sends capability
// calls and one terminal result.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes caps a single protocol line. Larger frames are a protocol
// violation: the payload and result size ceilings are far below this.
const maxFrameBytes = 4 << 20

// maxResultBytes caps the JSON encoding of a tool's result value.
const maxResultBytes = 1 << 20

// workRequest is the first frame on the worker's stdin.
type workRequest struct {
	Source       string    `json:"source"`
	Entry        string    `json:"entry"`
	Capability   string    `json:"capability"`
	Args         []any     `json:"args"`
	Capabilities []capDecl `json:"capabilities"`
	Limits       limitSpec `json:"limits"`
}

// capDecl names one collaborator function granted to the execution.
type capDecl struct {
	Name     string `json:"name"`
	Mutating bool   `json:"mutating"`
}

// limitSpec is the wire form of governor.Limits.
type limitSpec struct {
	WallMillis int64  `json:"wall_ms"`
	CPUMillis  int64  `json:"cpu_ms"`
	Memory     int64  `json:"memory"`
	Steps      uint64 `json:"steps"`
}

// frame is every message the worker writes on stdout.
type frame struct {
	Type string `json:"type"` // "call" | "result" | "error"

	// call
	ID   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Args []any  `json:"args,omitempty"`

	// result
	Value json.RawMessage `json:"value,omitempty"`

	// error
	Class   string `json:"class,omitempty"` // "violation" | "runtime"
	Message string `json:"message,omitempty"`

	// result + error
	Steps uint64 `json:"steps,omitempty"`
}

// capReply answers one capability call on the worker's stdin.
type capReply struct {
	ID    int             `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	frameCall   = "call"
	frameResult = "result"
	frameError  = "error"

	errClassViolation = "violation"
	errClassRuntime   = "runtime"
)

// lineCodec reads and writes newline-delimited JSON messages.
type lineCodec struct {
	r *bufio.Reader
	w io.Writer
}

func newLineCodec(r io.Reader, w io.Writer) *lineCodec {
	return &lineCodec{r: bufio.NewReaderSize(r, 64<<10), w: w}
}

func (c *lineCodec) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sandbox: encode frame: %w", err)
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}

// read decodes the next line into v. Lines beyond maxFrameBytes abort the
// stream rather than buffering unboundedly.
func (c *lineCodec) read(v any) error {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return err
		}
		line = append(line, chunk...)
		if len(line) > maxFrameBytes {
			return fmt.Errorf("sandbox: protocol frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			break
		}
	}
	if len(line) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(line, v)
}
