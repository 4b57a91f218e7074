package sandbox

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLineCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := newLineCodec(strings.NewReader(""), &buf)
	if err := out.write(&frame{Type: frameCall, ID: 7, Name: "get_meals"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("frames must be newline-delimited")
	}

	in := newLineCodec(&buf, io.Discard)
	var f frame
	if err := in.read(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != frameCall || f.ID != 7 || f.Name != "get_meals" {
		t.Errorf("frame = %+v", f)
	}
}

func TestLineCodec_OversizedFrameRejected(t *testing.T) {
	line := `{"type":"result","value":"` + strings.Repeat("x", maxFrameBytes) + `"}` + "\n"
	c := newLineCodec(strings.NewReader(line), io.Discard)
	var f frame
	err := c.read(&f)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("err = %v, want the frame size error", err)
	}
}

func TestLineCodec_EOF(t *testing.T) {
	c := newLineCodec(strings.NewReader(""), io.Discard)
	var f frame
	if err := c.read(&f); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
