package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisTLSConfig enables TLS for the rate limit counter connection. TLS is
// used when any field is set.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

func (cfg RedisTLSConfig) enabled() bool {
	return cfg.CAFile != "" || cfg.CertFile != "" || cfg.KeyFile != "" || cfg.InsecureSkipVerify
}

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

// redisStore keeps per-client upload counters in Redis so rate limits hold
// across replicas. It speaks the wire protocol directly over a short-lived
// connection per decision, which keeps the limiter usable even when the
// shared Redis client pool is saturated by queue consumers.
type redisStore struct {
	cfg     redisStoreConfig
	tlsConf *tls.Config
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	store := &redisStore{cfg: cfg}
	if cfg.TLS.enabled() {
		tlsConf := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.InsecureSkipVerify {
			tlsConf.InsecureSkipVerify = true
		}
		if cfg.TLS.CAFile != "" {
			pem, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLS.CAFile)
			}
			tlsConf.RootCAs = pool
		}
		if cfg.TLS.CertFile != "" || cfg.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load redis client keypair: %w", err)
			}
			tlsConf.Certificates = []tls.Certificate{cert}
		}
		if tlsConf.RootCAs != nil {
			host, _, err := net.SplitHostPort(cfg.Addr)
			if err == nil {
				tlsConf.ServerName = host
			}
		}
		store.tlsConf = tlsConf
	}
	return store, nil
}

func (s *redisStore) Close(ctx context.Context) error {
	// Connections are per-call, nothing is held open.
	return nil
}

func (s *redisStore) dial() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	if s.tlsConf != nil {
		return tls.DialWithDialer(dialer, "tcp", s.cfg.Addr, s.tlsConf)
	}
	return dialer.Dial("tcp", s.cfg.Addr)
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	conn, err := s.dial()
	if err != nil {
		return false, 0, err
	}
	defer conn.Close()

	if s.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if s.cfg.Password != "" {
		if err := writeCommand(writer, "AUTH", s.cfg.Password); err != nil {
			return false, 0, err
		}
		if _, err := readReply(reader); err != nil {
			return false, 0, err
		}
	}

	if err := writeCommand(writer, "INCR", key); err != nil {
		return false, 0, err
	}
	countReply, err := readReply(reader)
	if err != nil {
		return false, 0, err
	}
	count, err := asInt(countReply)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if err := writeCommand(writer, "EXPIRE", key, strconv.FormatInt(seconds, 10)); err != nil {
			return false, 0, err
		}
		if _, err := readReply(reader); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	if err := writeCommand(writer, "TTL", key); err != nil {
		return false, 0, err
	}
	ttlReply, err := readReply(reader)
	if err != nil {
		return false, 0, err
	}
	ttl, err := asInt(ttlReply)
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, time.Duration(ttl) * time.Second, nil
}

func writeCommand(w *bufio.Writer, args ...string) error {
	if len(args) == 0 {
		return errors.New("redis command requires arguments")
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return line, nil
	case '-':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	default:
		return nil, fmt.Errorf("unexpected redis reply prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("nil reply")
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}
