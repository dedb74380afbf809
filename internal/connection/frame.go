package connection

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Header  map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, kv ...string) Frame {
	f := Frame{Command: command, Header: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header[kv[i]] = kv[i+1]
	}
	return f
}

// Get returns a header value.
func (f Frame) Get(key string) string {
	return f.Header[key]
}

// Marshal encodes the frame for the wire. Headers are written in sorted order.
func (f Frame) Marshal() []byte {
	var buf bytes.Buffer
	escape := needsEscaping(f.Command)

	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		if k == HeaderContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := f.Header[k]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// isHeartbeat reports whether data is a bare heartbeat (EOLs only).
func isHeartbeat(data []byte) bool {
	return len(bytes.Trim(data, "\r\n")) == 0
}

// ParseFrame decodes a single frame. Leading heartbeat EOLs are skipped.
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	// Command line.
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return Frame{}, fmt.Errorf("%w: missing command terminator", ErrMalformedFrame)
	}
	command := strings.TrimSuffix(string(data[:nl]), "\r")
	if command == "" {
		return Frame{}, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	rest := data[nl+1:]
	unescape := needsEscaping(command)

	// Headers until the blank line. Repeated headers: first one wins.
	header := make(map[string]string)
	for {
		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return Frame{}, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		}
		line := strings.TrimSuffix(string(rest[:nl]), "\r")
		rest = rest[nl+1:]
		if line == "" {
			break
		}

		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		if unescape {
			k, v = unescapeHeader(k), unescapeHeader(v)
		}
		if _, seen := header[k]; !seen {
			header[k] = v
		}
	}

	// Body.
	var body []byte
	if cl, ok := header[HeaderContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || len(rest) < n+1 || rest[n] != 0 {
			return Frame{}, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		body = rest[:n]
	} else {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
		}
		body = rest[:end]
	}

	return Frame{Command: command, Header: header, Body: append([]byte(nil), body...)}, nil
}

// CONNECT and CONNECTED frames are never escaped.
func needsEscaping(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

var headerUnescaper = strings.NewReplacer(
	`\\`, `\`,
	`\r`, "\r",
	`\n`, "\n",
	`\c`, ":",
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	return headerUnescaper.Replace(s)
}

// heartbeatHeader formats a heart-beat header value from durations.
func heartbeatHeader(out, in int64) string {
	return strconv.FormatInt(out, 10) + "," + strconv.FormatInt(in, 10)
}

// parseHeartbeat parses "cx,cy" into milliseconds. Missing or malformed = 0,0.
func parseHeartbeat(v string) (int64, int64) {
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return x, y
}
