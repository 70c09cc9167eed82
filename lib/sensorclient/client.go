// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensorclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/hostsensor/lib/protocol"
)

// dialTimeout bounds the connect phase only.
const dialTimeout = 5 * time.Second

// responseTimeout is how long a call waits for the sensor when ctx
// carries no deadline.
const responseTimeout = 30 * time.Second

// maxRawPayload bounds one raw extension payload.
const maxRawPayload = protocol.DefaultMaxMessageSize

// ErrBanner is returned by Dial when the peer does not greet with the
// protocol banner.
var ErrBanner = errors.New("sensorclient: unexpected banner")

// ErrClosed is returned when the sensor closes the connection before
// answering. The sensor does this for every rejected request.
var ErrClosed = errors.New("sensorclient: sensor closed the connection")

// ErrIncomplete is returned by Records when the sensor's store
// overflowed and the pass it served is a prefix of what it saw.
var ErrIncomplete = errors.New("sensorclient: records pass incomplete")

// IncompleteError reports an overflowed records pass. It matches
// ErrIncomplete.
type IncompleteError struct {
	ProbeID string
	Dropped int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("sensorclient: records pass of %s incomplete, %d entities dropped", e.ProbeID, e.Dropped)
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }

// Client is one connection to a sensor socket. Calls are serialized;
// the protocol answers requests in order on a connection.
type Client struct {
	path   string
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the sensor at socketPath and checks its banner.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	client := &Client{path: socketPath, conn: conn, reader: bufio.NewReader(conn)}
	if err := client.setDeadline(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	banner, err := client.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading banner from %s: %w", socketPath, err)
	}
	if banner != strings.TrimSuffix(protocol.Greeting, "\n") {
		conn.Close()
		return nil, fmt.Errorf("%w from %s: %q", ErrBanner, socketPath, banner)
	}
	return client, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewNonce returns a fresh request nonce.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Echo asks the sensor for its kernel release string.
func (c *Client) Echo(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, []byte(protocol.OutOfBandEcho+"\n")); err != nil {
		return "", err
	}
	return c.readLine()
}

// Discover lists probe ids using the out-of-band discover frame.
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, []byte(protocol.OutOfBandDiscover+"\n")); err != nil {
		return nil, err
	}
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(line), &ids); err != nil {
		return nil, fmt.Errorf("decoding discover answer %q: %w", line, err)
	}
	return ids, nil
}

// Connect opens a session and returns the sensor's id. The session
// stays open on the sensor until Acknowledge or another request.
func (c *Client) Connect(ctx context.Context, sensorID string) (nonce, acknowledged string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce = NewNonce()
	reply, err := c.call(ctx, nonce, protocol.CommandConnect, sensorID)
	if err != nil {
		return "", "", err
	}
	if len(reply.Elements) != 3 {
		return "", "", fmt.Errorf("connect reply has %d elements, want 3", len(reply.Elements))
	}
	return nonce, reply.Elements[2], nil
}

// Acknowledge sends a client reply completing the session opened by
// nonce. The sensor answers nothing; a mismatched nonce closes the
// connection.
func (c *Client) Acknowledge(ctx context.Context, nonce, command string, params ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, protocol.FormatReply(nonce, command, params...))
}

// Discovery lists probe ids using the discovery request.
func (c *Client) Discovery(ctx context.Context, sensorID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.call(ctx, NewNonce(), protocol.CommandDiscovery, sensorID)
	if err != nil {
		return nil, err
	}
	return reply.List, nil
}

// State is a probe's state as reported by a state-change reply.
type State struct {
	RunState string
	Level    string
}

// SetState sends a state-change command to a probe.
func (c *Client) SetState(ctx context.Context, probeID, command string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.call(ctx, NewNonce(), command, probeID)
	if err != nil {
		return State{}, err
	}
	if len(reply.Elements) != 4 {
		return State{}, fmt.Errorf("%s reply has %d elements, want 4", command, len(reply.Elements))
	}
	return State{RunState: reply.Elements[2], Level: reply.Elements[3]}, nil
}

// RecordsOptions are the positional parameters of a records request.
type RecordsOptions struct {
	Index    int
	RunProbe bool
	Clear    bool
	// Range limits the number of records returned when positive.
	Range int
}

// DefaultRecordsOptions matches the sensor's defaults: capture a new
// pass, read from the start, clear what is read, no limit.
func DefaultRecordsOptions() RecordsOptions {
	return RecordsOptions{RunProbe: true, Clear: true, Range: -1}
}

// Record is one records reply.
type Record struct {
	ProbeID string
	Kind    string
	UUID    string
	Fields  []string
	Raw     []byte
}

// Records pages through a probe's snapshot. It returns the records
// and the probe UUID from the terminal reply. When the sensor flags
// the pass incomplete, the records it did send are returned with an
// *IncompleteError.
func (c *Client) Records(ctx context.Context, probeID string, options RecordsOptions) ([]Record, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := NewNonce()
	line := protocol.FormatRequest(nonce, protocol.CommandRecords, probeID,
		options.Index, boolParam(options.RunProbe), boolParam(options.Clear), options.Range)
	if err := c.send(ctx, line); err != nil {
		return nil, "", err
	}

	var records []Record
	for {
		reply, err := c.readReply(nonce)
		if err != nil {
			return records, "", fmt.Errorf("reading records of %s: %w", probeID, err)
		}
		if len(reply.Elements) == 3 && reply.Raw == nil {
			return records, reply.Elements[2], nil
		}
		if len(reply.Elements) == 5 && reply.Raw == nil && reply.Elements[3] == protocol.IncompleteMarker {
			dropped, err := strconv.Atoi(reply.Elements[4])
			if err != nil {
				return records, "", fmt.Errorf("%w: dropped count %q", ErrMalformedReply, reply.Elements[4])
			}
			return records, reply.Elements[2], &IncompleteError{ProbeID: probeID, Dropped: dropped}
		}
		if len(reply.Elements) < 4 {
			return records, "", fmt.Errorf("records reply has %d elements", len(reply.Elements))
		}
		records = append(records, Record{
			ProbeID: reply.Elements[1],
			Kind:    reply.Elements[2],
			UUID:    reply.Elements[3],
			Fields:  reply.Elements[4:],
			Raw:     reply.Raw,
		})
		if options.Range > 0 && len(records) == options.Range {
			return records, "", nil
		}
	}
}

func boolParam(value bool) int {
	if value {
		return 1
	}
	return 0
}

// call sends one request and reads its single reply.
func (c *Client) call(ctx context.Context, nonce, command, target string) (*Reply, error) {
	if err := c.send(ctx, protocol.FormatRequest(nonce, command, target)); err != nil {
		return nil, err
	}
	reply, err := c.readReply(nonce)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", command, target, err)
	}
	return reply, nil
}

func (c *Client) send(ctx context.Context, line []byte) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(line); err != nil {
		if peerGone(err) {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return fmt.Errorf("writing to %s: %w", c.path, err)
	}
	return nil
}

func peerGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

func (c *Client) setDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(responseTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline on %s: %w", c.path, err)
	}
	return nil
}

func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if peerGone(err) {
			return "", ErrClosed
		}
		return "", fmt.Errorf("reading from %s: %w", c.path, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// readReply reads one reply line, and its raw payload if it carries
// one, and checks it answers nonce.
func (c *Client) readReply(nonce string) (*Reply, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	reply, err := ParseReply([]byte(line))
	if err != nil {
		return nil, err
	}
	if len(reply.Elements) == 0 || reply.Elements[0] != nonce {
		return nil, fmt.Errorf("reply %q does not answer nonce %s", line, nonce)
	}
	if reply.RawLength > 0 {
		if reply.RawLength > maxRawPayload {
			return nil, fmt.Errorf("raw payload of %d bytes exceeds %d", reply.RawLength, maxRawPayload)
		}
		reply.Raw = make([]byte, reply.RawLength)
		if _, err := io.ReadFull(c.reader, reply.Raw); err != nil {
			return nil, fmt.Errorf("reading %d-byte raw payload: %w", reply.RawLength, err)
		}
	} else if reply.RawLength == 0 && reply.hasRaw {
		reply.Raw = []byte{}
	}
	return reply, nil
}

// Exchange writes line verbatim, adding a newline if it has none, and
// returns everything the sensor sends until it has been silent for
// quiet. It does not parse the answer, so it can replay arbitrary and
// malformed requests. closed reports that the sensor hung up.
func (c *Client) Exchange(ctx context.Context, line []byte, quiet time.Duration) (answer []byte, closed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line[:len(line):len(line)], '\n')
	}
	if err := c.send(ctx, line); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, true, nil
		}
		return nil, false, err
	}

	var collected []byte
	buffer := make([]byte, 4096)
	for {
		deadline := time.Now().Add(quiet)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return collected, false, fmt.Errorf("setting deadline on %s: %w", c.path, err)
		}
		read, err := c.reader.Read(buffer)
		collected = append(collected, buffer[:read]...)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			return collected, false, ctx.Err()
		case peerGone(err):
			return collected, true, nil
		default:
			return collected, false, fmt.Errorf("reading from %s: %w", c.path, err)
		}
	}
}
