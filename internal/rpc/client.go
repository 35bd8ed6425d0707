package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/loom/internal/logger"
)

const defaultDialTimeout = 5 * time.Second

// ParseEndpoint validates a host:port endpoint and returns it normalised.
func ParseEndpoint(s string) (string, error) {
	s = strings.TrimSpace(s)
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, s, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, s)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w %q: bad port", ErrInvalidEndpoint, s)
	}
	return net.JoinHostPort(host, port), nil
}

// Version is the protocol version a server reported in HELLO.
type Version struct {
	Major, Minor, Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Client is one connection to a remote backend. Calls are serialised.
type Client struct {
	endpoint string
	version  Version
	log      logger.Logger

	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	timeout time.Duration
	log     logger.Logger
}

func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

func WithLogger(l logger.Logger) DialOption {
	return func(o *dialOptions) { o.log = l }
}

// Dial connects to endpoint and performs the HELLO handshake.
func Dial(ctx context.Context, endpoint string, opts ...DialOption) (*Client, error) {
	o := dialOptions{timeout: defaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: o.timeout}
	conn, err := d.DialContext(ctx, "tcp", ep)
	if err != nil {
		return nil, &ConnectError{Endpoint: ep, Err: err}
	}
	c := &Client{
		endpoint: ep,
		conn:     conn,
		log:      logger.OrDiscard(o.log).With("endpoint", ep),
	}
	if err := c.hello(ctx); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Endpoint: ep, Err: err}
	}
	c.log.Debug("rpc connected", "version", c.version.String())
	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) Version() Version {
	return c.version
}

func (c *Client) hello(ctx context.Context) error {
	resp, err := c.call(ctx, cmdHello, nil, 3)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	c.version = Version{Major: resp[0], Minor: resp[1], Patch: resp[2]}
	if c.version.Major != ProtocolMajor {
		return fmt.Errorf("%w: server speaks %s, client %d.x", ErrVersionMismatch, c.version, ProtocolMajor)
	}
	return nil
}

// DeviceMemory returns the free and total memory of device 0 in bytes.
func (c *Client) DeviceMemory(ctx context.Context) (free, total uint64, err error) {
	return c.DeviceMemoryOf(ctx, 0)
}

func (c *Client) DeviceMemoryOf(ctx context.Context, device uint32) (free, total uint64, err error) {
	var req [4]byte
	binary.LittleEndian.PutUint32(req[:], device)
	resp, err := c.call(ctx, cmdGetDeviceMemory, req[:], 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%s device %d: %w", c.endpoint, device, err)
	}
	free, total = decodeMemory(resp)
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: %s device %d reported no memory", ErrMemoryQueryFailed, c.endpoint, device)
	}
	return free, total, nil
}

// call sends one command and reads a response of want bytes. The
// connection deadline follows ctx.
func (c *Client) call(ctx context.Context, cmd command, payload []byte, want int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := writeRequest(c.conn, cmd, payload); err != nil {
		return nil, c.wrapIO(ctx, cmd, err)
	}
	resp, err := readResponse(c.conn, want)
	if err != nil {
		return nil, c.wrapIO(ctx, cmd, err)
	}
	return resp, nil
}

func (c *Client) wrapIO(ctx context.Context, cmd command, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", cmd, err)
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			c.closeErr = c.conn.Close()
			c.conn = nil
		}
	})
	return c.closeErr
}
