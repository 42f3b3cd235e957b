package deb

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Paragraph is one stanza of a Debian control file. Continuation lines are
// joined to their field with newlines.
type Paragraph map[string]string

// Get looks a field up, ignoring case
func (p Paragraph) Get(field string) string {
	if v, ok := p[field]; ok {
		return v
	}
	for k, v := range p {
		if strings.EqualFold(k, field) {
			return v
		}
	}
	return ""
}

// ParseParagraphs calls fn for every paragraph in r. Returning io.EOF from
// fn stops parsing without error.
func ParseParagraphs(r io.Reader, fn func(Paragraph) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	para := Paragraph{}
	last := ""
	flush := func() error {
		if len(para) == 0 {
			return nil
		}
		err := fn(para)
		para = Paragraph{}
		last = ""
		return err
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if err := flush(); err != nil {
				return stopErr(err)
			}
		case strings.HasPrefix(line, "#"):
		case line[0] == ' ' || line[0] == '\t':
			if last == "" {
				return errors.Wrapf(ErrMalformed, "line %d: continuation without field", lineNo)
			}
			para[last] += "\n" + strings.TrimSpace(line)
		default:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return errors.Wrapf(ErrMalformed, "line %d: missing ':'", lineNo)
			}
			last = strings.TrimSpace(key)
			para[last] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read control data")
	}
	return stopErr(flush())
}

// ParseParagraph returns the first paragraph in r
func ParseParagraph(r io.Reader) (Paragraph, error) {
	var first Paragraph
	err := ParseParagraphs(r, func(p Paragraph) error {
		first = p
		return io.EOF
	})
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, errors.Wrap(ErrMalformed, "empty control data")
	}
	return first, nil
}

func stopErr(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
