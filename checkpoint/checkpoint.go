// Package checkpoint decorates errors with the file and line of the wrap
// site, which adds up to something similar to a stacktrace while staying
// fully compatible with errors.Is and errors.As. Sentinel errors attached
// at a checkpoint remain matchable through any number of further wraps.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From wraps err in a new checkpoint carrying the caller's position.
// It returns nil if err is nil.
func From(err error) error {
	// io.EOF and io.ErrUnexpectedEOF must stay identity-comparable, see
	// https://github.com/golang/go/issues/39155
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	if err == nil {
		return nil
	}

	return newCheckpoint(err, nil, 2)
}

// Wrap creates a checkpoint from prev and attaches kind as an additional
// error describing it. It returns nil if prev is nil, so call sites can
// wrap unconditionally:
//
//	func load() error {
//		err := readSomething()
//		return checkpoint.Wrap(err, ErrLoad)
//	}
//
// The result matches both errors via errors.Is: the original chain through
// prev and the attached kind.
func Wrap(prev, kind error) error {
	if prev == io.EOF || prev == io.ErrUnexpectedEOF {
		return prev
	}
	if prev == nil {
		return nil
	}

	return newCheckpoint(kind, prev, 2)
}

func newCheckpoint(err, prev error, skip int) error {
	pc, file, line, ok := runtime.Caller(skip)

	c := &checkpoint{
		err:  err,
		prev: prev,
		file: "unknown",
	}
	if ok {
		c.file = filepath.Base(file)
		c.line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			c.fn = fn.Name()
		}
	}
	return c
}

type checkpoint struct {
	err  error
	prev error

	fn   string
	file string
	line int
}

func (c *checkpoint) Error() string {
	var b strings.Builder
	if c.fn != "" {
		fmt.Fprintf(&b, "%s (%s:%d)", c.fn, c.file, c.line)
	} else {
		fmt.Fprintf(&b, "%s:%d", c.file, c.line)
	}
	if c.err != nil {
		fmt.Fprintf(&b, "\n\t%v", c.err)
	}
	if c.prev != nil {
		prev := c.prev.Error()
		if _, ok := c.prev.(*checkpoint); !ok {
			prev = "\t" + strings.ReplaceAll(prev, "\n", "\n\t")
		}
		b.WriteString("\n")
		b.WriteString(prev)
	}
	return b.String()
}

func (c *checkpoint) Unwrap() error { return c.prev }

func (c *checkpoint) Is(target error) bool {
	return errors.Is(c.err, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return errors.As(c.err, target)
}
