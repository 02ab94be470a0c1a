package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes caps a single request or result line.
const maxLineBytes = 64 << 20

// Encoder writes newline-delimited envelopes. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeRequest validates req and writes it as one line.
func (e *Encoder) EncodeRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// MarshalRequest validates req and returns it as one newline-terminated line,
// ready to be written later.
func MarshalRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeResult writes res as one line.
func (e *Encoder) EncodeResult(res Result) error {
	if res.Status != StatusOK && res.Status != StatusError {
		return fmt.Errorf("invalid status value: %q", res.Status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes. It is not safe for concurrent use.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{sc: sc}
}

// next returns the next non-empty line, or io.EOF.
func (d *Decoder) next() ([]byte, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}
	return nil, io.EOF
}

// DecodeRequest reads and validates the next request. Returns io.EOF when the
// stream ends.
func (d *Decoder) DecodeRequest() (*Request, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("request is not valid JSON: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeResult reads the next result. Returns io.EOF when the stream ends.
func (d *Decoder) DecodeResult() (Result, error) {
	line, err := d.next()
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(line, &res); err != nil {
		return Result{}, fmt.Errorf("result is not valid JSON: %w", err)
	}
	if res.Status == "" {
		return Result{}, fmt.Errorf("result missing required field: status")
	}
	if res.Status != StatusOK && res.Status != StatusError {
		return Result{}, fmt.Errorf("invalid status value: %q", res.Status)
	}
	if res.JobID <= 0 {
		return Result{}, fmt.Errorf("result has invalid job_id %d", res.JobID)
	}
	return res, nil
}
