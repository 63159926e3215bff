package worker

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MsgType names a wire message's role in the §4.4 protocol.
type MsgType string

// Message types.
const (
	MsgHello       MsgType = "HELLO"
	MsgDispatch    MsgType = "DISPATCH"
	MsgAck         MsgType = "ACK"
	MsgUpdate      MsgType = "UPDATE"
	MsgResult      MsgType = "RESULT"
	MsgCancel      MsgType = "CANCEL"
	MsgFetchSecret MsgType = "FETCH_SECRET"
	MsgSecret      MsgType = "SECRET"
	MsgPing        MsgType = "PING"
	MsgPong        MsgType = "PONG"
)

// Envelope is the outer shape of every wire message: a type, the
// request id it correlates to (empty for HELLO/PING/PONG and for
// FETCH_SECRET/SECRET, which carry their reference in the payload),
// and a type-specific JSON payload.
type Envelope struct {
	Type    MsgType         `json:"type"`
	ReqID   string          `json:"req_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent worker→dispatcher on connect.
type HelloPayload struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
	Version  string `json:"version"`
}

// DispatchPayload is sent dispatcher→worker to start a task.
type DispatchPayload struct {
	JobID       string `json:"jobid"`
	Hostname    string `json:"hostname"`
	Command     string `json:"command"`
	RunAs       string `json:"run_as"`
	TimeoutSec  int64  `json:"timeout"`
	PasswordRef string `json:"password_ref"`
}

// UpdatePayload is sent worker→dispatcher to report progress.
type UpdatePayload struct {
	Message   string `json:"message"`
	OutputURL string `json:"output_url,omitempty"`
}

// ResultPayload is sent worker→dispatcher when a task completes.
type ResultPayload struct {
	ExitCode   int   `json:"exit_code"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
	Cancelled  bool   `json:"cancelled"`
}

// CancelPayload is sent dispatcher→worker to request termination.
type CancelPayload struct {
	ReqID string `json:"req_id"`
}

// FetchSecretPayload is sent worker→dispatcher to consume a password
// reference delivered in a DispatchPayload.
type FetchSecretPayload struct {
	ReqID string `json:"req_id"`
}

// SecretPayload answers a FetchSecretPayload, exactly once per ref.
type SecretPayload struct {
	ReqID  string `json:"req_id"`
	Secret string `json:"secret"`
}

const maxFrameSize = 16 << 20 // 16MiB, generous for a JSON control message

// WriteFrame writes a length-prefixed (4-byte big-endian) JSON frame.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "worker: marshal frame")
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))

	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "worker: write frame header")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "worker: write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame.
func ReadFrame(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return Envelope{}, errors.Errorf("worker: frame of %d bytes exceeds limit", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, errors.Wrap(err, "worker: read frame body")
	}

	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "worker: unmarshal frame")
	}
	return env, nil
}

func encodePayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// payload types are all plain structs of primitives; a
		// marshal failure here means a programming error.
		panic(err)
	}
	return data
}
