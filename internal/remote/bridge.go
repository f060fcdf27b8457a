// Package remote proxies a viewer connection to the equivalent endpoint on
// the host that owns the session.
//
// The outbound dial is retried on a fixed backoff schedule with a status
// frame sent to the viewer before each retry. A viewer that disconnects
// while retries are pending ends the loop at the next wait. When every
// attempt has failed the viewer is closed with 4000, which tells it not to
// reconnect on its own.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/gluk-w/termhub/internal/metrics"
	"github.com/gluk-w/termhub/internal/protocol"
	"k8s.io/utils/clock"
)

// ErrRemoteUnreachable is returned once every connection attempt failed.
var ErrRemoteUnreachable = errors.New("remote host unreachable")

// DefaultBackoff is the wait before each retry.
var DefaultBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

const (
	defaultDialTimeout = 10 * time.Second
	readLimit          = 4 * 1024 * 1024
	// pendingInput bounds viewer frames queued while the remote side is
	// still connecting.
	pendingInput = 64
)

// Config tunes the bridge.
type Config struct {
	// Backoff lists the delay before each retry; its length is the retry
	// budget.
	Backoff     []time.Duration
	DialTimeout time.Duration
}

// Dialer opens the outbound connection.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// WebSocketDialer dials with coder/websocket, bounding the handshake.
func WebSocketDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		return conn, err
	}
}

// Bridge proxies viewer connections to remote hosts.
type Bridge struct {
	backoff []time.Duration
	dial    Dialer
	clock   clock.Clock
	tracker *activity.Tracker
}

// New creates a bridge. A nil dialer uses WebSocketDialer, a nil clock the
// real clock. tracker may be nil.
func New(cfg Config, dial Dialer, clk clock.Clock, tracker *activity.Tracker) *Bridge {
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	if dial == nil {
		dial = WebSocketDialer(cfg.DialTimeout)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Bridge{backoff: backoff, dial: dial, clock: clk, tracker: tracker}
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Proxy connects local to remoteURL on behalf of session and relays frames
// both ways until either side closes. It returns ErrRemoteUnreachable when
// the retry budget is exhausted and nil otherwise; local is closed with the
// appropriate code before it returns.
func (b *Bridge) Proxy(ctx context.Context, local *websocket.Conn, session, remoteURL string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.tracker != nil {
		defer b.tracker.Forget(session)
	}

	// A single reader owns local for the whole proxy lifetime; it is how a
	// viewer disconnect is noticed during retries.
	inbound := make(chan frame, pendingInput)
	localDone := make(chan struct{})
	crashguard.Go("remote reader "+session, func() {
		defer close(localDone)
		for {
			typ, data, err := local.Read(ctx)
			if err != nil {
				return
			}
			select {
			case inbound <- frame{typ, data}:
			case <-ctx.Done():
				return
			}
		}
	})

	b.status(ctx, local, protocol.NewStatus(fmt.Sprintf("Connecting to remote session %s...", session), protocol.StatusConnecting))
	remote, err := b.connect(ctx, local, localDone, session, remoteURL)
	if err != nil {
		if errors.Is(err, ErrRemoteUnreachable) {
			wsjson.Write(ctx, local, protocol.NewError("Remote host unreachable", err.Error()))
			local.Close(protocol.ClosePermanentRemote, "remote host unreachable")
		}
		return err
	}
	if remote == nil {
		log.Printf("[remote] %s: viewer left before the remote connected", session)
		return nil
	}
	defer remote.CloseNow()
	remote.SetReadLimit(readLimit)
	b.status(ctx, local, protocol.NewStatus("Connected", protocol.StatusConnected))
	log.Printf("[remote] %s: proxying to %s", session, remoteURL)

	remoteDone := make(chan error, 1)
	crashguard.Go("remote pump "+session, func() {
		remoteDone <- b.pumpRemote(ctx, remote, local, session)
	})

	for {
		select {
		case f := <-inbound:
			if err := remote.Write(ctx, f.typ, f.data); err != nil {
				code, reason := closeFor(err)
				local.Close(code, reason)
				return nil
			}
		case <-localDone:
			remote.Close(websocket.StatusNormalClosure, "viewer disconnected")
			return nil
		case err := <-remoteDone:
			if errors.Is(err, errLocalGone) {
				remote.Close(websocket.StatusNormalClosure, "viewer disconnected")
				return nil
			}
			code, reason := closeFor(err)
			log.Printf("[remote] %s: remote closed (%d %s)", session, code, reason)
			local.Close(code, reason)
			return nil
		}
	}
}

// connect dials with retries. It returns (nil, nil) when the viewer left
// before a connection was made.
func (b *Bridge) connect(ctx context.Context, local *websocket.Conn, localDone <-chan struct{}, session, url string) (*websocket.Conn, error) {
	var lastErr error
	for retry := 0; ; retry++ {
		select {
		case <-localDone:
			return nil, nil
		default:
		}

		conn, err := b.dial(ctx, url)
		if err == nil {
			metrics.RemoteAttempts.WithLabelValues("ok").Inc()
			return conn, nil
		}
		metrics.RemoteAttempts.WithLabelValues("failed").Inc()
		lastErr = err
		if retry >= len(b.backoff) {
			break
		}

		delay := b.backoff[retry]
		log.Printf("[remote] %s: connect to %s failed (%v), retry %d/%d in %s", session, url, err, retry+1, len(b.backoff), delay)
		b.status(ctx, local, protocol.NewStatus(
			fmt.Sprintf("Remote connection failed, retrying in %s (%d/%d)", delay, retry+1, len(b.backoff)),
			protocol.StatusRetrying))

		select {
		case <-b.clock.After(delay):
		case <-localDone:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	log.Printf("[remote] %s: giving up on %s after %d retries: %v", session, url, len(b.backoff), lastErr)
	return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnreachable, url, lastErr)
}

var errLocalGone = errors.New("viewer connection gone")

func (b *Bridge) pumpRemote(ctx context.Context, remote, local *websocket.Conn, session string) error {
	for {
		typ, data, err := remote.Read(ctx)
		if err != nil {
			return err
		}
		if b.tracker != nil {
			b.tracker.Record(session)
		}
		if err := local.Write(ctx, typ, data); err != nil {
			return errLocalGone
		}
	}
}

func (b *Bridge) status(ctx context.Context, local *websocket.Conn, f protocol.StatusFrame) {
	if err := wsjson.Write(ctx, local, f); err != nil {
		log.Printf("[remote] status write failed: %v", err)
	}
}

// closeFor maps a remote-side read or write error to the close sent to the
// viewer. Codes that may not appear on the wire become 1011.
func closeFor(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
			return protocol.CloseInternal, "remote connection lost"
		}
		return ce.Code, ce.Reason
	}
	return protocol.CloseInternal, "remote connection lost"
}
