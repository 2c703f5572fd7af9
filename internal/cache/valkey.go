package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Provider against a Valkey/Redis-compatible server so
// several control-plane replicas can share one snapshot cache. Each call opens a
// short-lived connection; the cache is read far less often than reports arrive.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey cluster.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	KeyPrefix    string
}

// NewValkeyProvider validates cfg and pings the server so bad credentials fail at boot.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != '+' || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch {
	case reply.null:
		return nil, ErrCacheMiss
	case reply.kind == '$':
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected valkey reply type %q for GET", reply.kind)
	}
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, "SET", setArgs(p.key(key), value, ttl, false)...)
	if err != nil {
		return err
	}
	if reply.kind != '+' || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := p.do(ctx, "SET", setArgs(p.key(key), value, ttl, true)...)
	if err != nil {
		return false, err
	}
	if reply.null {
		return false, nil
	}
	return reply.kind == '+', nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) key(k string) string {
	return p.cfg.KeyPrefix + k
}

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []any {
	args := []any{key, value}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

// do runs a single command on a fresh connection, retrying transient network errors.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...any) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		reply, err := p.roundTrip(ctx, command, args)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return respReply{}, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 25 * time.Millisecond):
		}
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) roundTrip(ctx context.Context, command string, args []any) (respReply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return respReply{}, err
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	exchange := func(parts ...any) (respReply, error) {
		if err := conn.SetDeadline(time.Now().Add(p.cfg.WriteTimeout + p.cfg.ReadTimeout)); err != nil {
			return respReply{}, err
		}
		if err := writeArray(rw.Writer, parts); err != nil {
			return respReply{}, err
		}
		return readReply(rw.Reader)
	}

	if p.cfg.Password != "" {
		auth := []any{"AUTH"}
		if p.cfg.Username != "" {
			auth = append(auth, p.cfg.Username)
		}
		reply, err := exchange(append(auth, p.cfg.Password)...)
		if err != nil {
			return respReply{}, fmt.Errorf("auth: %w", err)
		}
		if !strings.EqualFold(string(reply.data), "OK") {
			return respReply{}, fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := exchange("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return respReply{}, fmt.Errorf("select: %w", err)
		}
	}
	return exchange(append([]any{command}, args...)...)
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		host = p.cfg.Addr
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
	return tlsDialer.DialContext(ctx, "tcp", p.cfg.Addr)
}

// respReply is the subset of RESP2 replies the provider understands.
type respReply struct {
	kind byte
	data []byte
	null bool
}

// errServerReply marks "-ERR ..." responses, which are never retried.
type errServerReply string

func (e errServerReply) Error() string { return string(e) }

func writeArray(w *bufio.Writer, parts []any) error {
	fmt.Fprintf(w, "*%d\r\n", len(parts))
	for _, part := range parts {
		var b []byte
		switch v := part.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			return fmt.Errorf("unsupported RESP argument %T", part)
		}
		fmt.Fprintf(w, "$%d\r\n", len(b))
		w.Write(b)
		w.WriteString("\r\n")
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (respReply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return respReply{}, err
	}
	line = strings.TrimRight(line, "\r\n")

	switch prefix {
	case '+', ':':
		return respReply{kind: prefix, data: []byte(line)}, nil
	case '-':
		return respReply{}, errServerReply(line)
	case '$':
		size, err := strconv.Atoi(line)
		if err != nil {
			return respReply{}, fmt.Errorf("bad bulk length %q: %w", line, err)
		}
		if size < 0 {
			return respReply{kind: prefix, null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("invalid bulk string termination")
		}
		return respReply{kind: prefix, data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func retryable(err error) bool {
	var serverErr errServerReply
	if errors.As(err, &serverErr) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
