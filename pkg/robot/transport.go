package robot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/hipsterbrown/feetech-servo/transports"
	"github.com/sirupsen/logrus"
)

// Transport performs one request/response exchange on a servo bus.
//
// Exchange writes req and collects up to respLen bytes. With respLen 0 it
// returns after the write. When the bus goes quiet before respLen bytes
// arrive, the bytes received so far are returned without error so the
// decoder can name the servo that did not answer. A bus that stays silent
// returns feetech.ErrNoResponse.
type Transport interface {
	Exchange(ctx context.Context, req []byte, respLen int) ([]byte, error)
	Close() error
}

// SerialConfig holds settings for a serial bus transport.
type SerialConfig struct {
	Port          string
	BaudRate      int
	Timeout       time.Duration
	MinCommandGap time.Duration
}

// SerialTransport exchanges frames over a feetech.Transport.
type SerialTransport struct {
	port      feetech.Transport
	timeout   time.Duration
	minCmdGap time.Duration
	log       logrus.FieldLogger

	mu      sync.Mutex
	lastCmd time.Time
	closed  bool
}

// OpenSerial opens a serial port for the bus.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	port, err := transports.OpenSerial(transports.SerialConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	return NewSerialTransport(port, cfg.Timeout, cfg.MinCommandGap), nil
}

// NewSerialTransport wraps an already open port.
func NewSerialTransport(port feetech.Transport, timeout, minCmdGap time.Duration) *SerialTransport {
	if timeout == 0 {
		timeout = 50 * time.Millisecond
	}
	if minCmdGap == 0 {
		minCmdGap = time.Millisecond
	}
	return &SerialTransport{
		port:      port,
		timeout:   timeout,
		minCmdGap: minCmdGap,
		log:       logrus.StandardLogger(),
	}
}

// Exchange implements Transport.
func (t *SerialTransport) Exchange(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, feetech.ErrBusClosed
	}

	if elapsed := time.Since(t.lastCmd); elapsed < t.minCmdGap {
		time.Sleep(t.minCmdGap - elapsed)
	}

	// Drop stale bytes from an earlier timed-out exchange
	t.port.Flush()

	n, err := t.port.Write(req)
	if err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}
	if n != len(req) {
		return nil, fmt.Errorf("incomplete write: %d of %d bytes", n, len(req))
	}
	t.lastCmd = time.Now()

	if respLen == 0 {
		return nil, nil
	}

	return t.readLocked(ctx, respLen)
}

func (t *SerialTransport) readLocked(ctx context.Context, respLen int) ([]byte, error) {
	buffer := make([]byte, respLen)
	total := 0
	deadline := time.Now().Add(t.timeout)

	for total < respLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if time.Now().After(deadline) {
			if total == 0 {
				return nil, feetech.ErrNoResponse
			}
			t.log.WithFields(logrus.Fields{
				"received": total,
				"expected": respLen,
			}).Debug("bus went quiet before full response")
			return buffer[:total], nil
		}

		remaining := max(time.Until(deadline), 10*time.Millisecond)
		t.port.SetReadTimeout(remaining)

		n, err := t.port.Read(buffer[total:])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read failed: %w", err)
			}
			// Timeouts surface as empty reads; keep waiting until the deadline
			if err != nil {
				time.Sleep(time.Millisecond)
			}
			continue
		}
		total += n
	}

	return buffer, nil
}

// Close releases the port. Further exchanges fail with feetech.ErrBusClosed.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}
