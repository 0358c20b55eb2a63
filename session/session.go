// Package session drives the legacy hub protocol over a raw TCP connection:
// authenticate, then poll for work and relay it to the backend until the
// connection breaks or the node is told to stop.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/livepeer/hive-worker/clog"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/core"
	"github.com/livepeer/hive-worker/monitor"
	"github.com/livepeer/hive-worker/wire"
)

// OptimizedPollTarget asks the hub to reuse the last explicit target and
// order it by recently handled work.
const OptimizedPollTarget = "-"

// upgradeAck is written back for UPDATE_OLLAMA, whatever the outcome.
const upgradeAck = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n0\r\n\r\n"

// Catalog is the backend's model list and version.
type Catalog interface {
	PollTarget(ctx context.Context) (string, error)
	Version(ctx context.Context) string
	InvalidateVersion()
}

type Relayer interface {
	Relay(ctx context.Context, f *wire.Frame, w io.Writer) (bool, error)
}

type Upgrader interface {
	Upgrade(ctx context.Context) (string, error)
	Image() string
}

type Deps struct {
	Catalog  Catalog
	Relay    Relayer
	Upgrades *Upgrades
	// ReauthOnRelay sends AUTH again before relaying each request, for hubs
	// that expect a fresh identity per job.
	ReauthOnRelay bool
}

// Session is one hub connection. It is not safe for concurrent use.
type Session struct {
	ID   string
	node *core.HiveNode
	deps Deps
	conn net.Conn
	r    *bufio.Reader

	target       string
	localRefresh time.Time
	optimized    bool

	mu          sync.Mutex
	relaying    bool
	interrupted bool
}

func New(conn net.Conn, node *core.HiveNode, deps Deps) *Session {
	return &Session{
		ID:   uuid.NewString(),
		node: node,
		deps: deps,
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

// Run authenticates and then serves the poll loop. It returns nil when the
// node asked to reboot or shut down, and an error when the connection has to
// be re-established.
func (s *Session) Run(ctx context.Context) error {
	ctx = clog.AddSessionID(ctx, s.ID)

	if err := s.refreshTarget(ctx); err != nil {
		return fmt.Errorf("error refreshing available models: %w", err)
	}
	if err := s.authenticate(ctx); err != nil {
		return fmt.Errorf("error authenticating: %w", err)
	}
	ctx = clog.AddNodeName(ctx, s.node.Name())

	for {
		if s.Interrupted() {
			clog.Infof(ctx, "Session interrupted")
			return nil
		}
		if s.node.ShouldExit() {
			clog.Infof(ctx, "Session exiting reboot=%t shutdown=%t", s.node.RebootRequested(), s.node.ShutdownRequested())
			return nil
		}

		if s.node.RefreshEpoch().After(s.localRefresh) {
			if err := s.refreshTarget(ctx); err != nil {
				return fmt.Errorf("error refreshing models: %w", err)
			}
		}

		if err := s.poll(); err != nil {
			return fmt.Errorf("error polling hub: %w", err)
		}

		f, err := wire.ReadFrame(s.r)
		if err != nil {
			return fmt.Errorf("error reading from hub: %w", err)
		}

		if f.IsControl() {
			if err := s.handleControl(ctx, f); err != nil {
				return err
			}
			continue
		}

		if err := s.relay(ctx, f); err != nil {
			return err
		}
	}
}

// Interrupt stops the session at its next loop boundary. An idle session has
// its connection closed right away so a blocked read returns. A relay in
// flight is left to finish streaming first.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
	if !s.relaying {
		s.conn.Close()
	}
}

func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *Session) beginRelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return false
	}
	s.relaying = true
	return true
}

func (s *Session) endRelay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relaying = false
}

func (s *Session) relay(ctx context.Context, f *wire.Frame) error {
	clog.Infof(ctx, "Received backend request method=%s uri=%s", f.Method, f.URI)
	if !s.beginRelay() {
		return errInterrupted
	}
	defer s.endRelay()

	if s.deps.ReauthOnRelay {
		if err := s.authenticate(ctx); err != nil {
			return fmt.Errorf("error authenticating before relay: %w", err)
		}
	}
	// the stream outlives a reboot or shutdown requested meanwhile
	modified, err := s.deps.Relay.Relay(context.WithoutCancel(ctx), f, s.conn)
	if err != nil {
		return fmt.Errorf("failed to relay request: %w", err)
	}
	if modified {
		epoch := s.node.AdvanceRefresh()
		clog.V(common.DEBUG).Infof(ctx, "Backend catalog changed, refresh epoch=%s", epoch.Format(time.RFC3339Nano))
	}
	return nil
}

// refreshTarget re-derives the poll target and forces the next poll to send
// it explicitly.
func (s *Session) refreshTarget(ctx context.Context) error {
	epoch := s.node.RefreshEpoch()
	target, err := s.deps.Catalog.PollTarget(ctx)
	if err != nil {
		return err
	}
	s.target = target
	s.localRefresh = epoch
	s.optimized = false
	clog.V(common.VERBOSE).Infof(ctx, "Poll target refreshed target=%s", target)
	return nil
}

func (s *Session) poll() error {
	target := s.target
	if s.optimized {
		target = OptimizedPollTarget
	}
	if err := wire.WriteControlLine(s.conn, wire.VerbPoll, target); err != nil {
		return err
	}
	s.optimized = true
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	version := s.deps.Catalog.Version(ctx)
	arg := strings.Join([]string{
		s.node.Key,
		strconv.FormatUint(s.node.Nonce, 10),
		s.node.AgentVersion,
		version,
	}, ";")
	if err := wire.WriteControlLine(s.conn, wire.VerbAuth, arg); err != nil {
		return err
	}

	resp, err := wire.ReadFrame(s.r)
	if err != nil {
		return err
	}
	if resp.URI == "" {
		return errEmptyNodeName
	}
	s.node.SetName(resp.URI)
	clog.Infof(ctx, "Authenticated as node=%s backendVersion=%s", resp.URI, version)
	return nil
}

func (s *Session) handleControl(ctx context.Context, f *wire.Frame) error {
	switch f.Method {
	case wire.VerbPong:
	case wire.VerbReboot:
		clog.Infof(ctx, "Hub requested reboot")
		s.node.RequestReboot()
	case wire.VerbShutdown:
		clog.Infof(ctx, "Hub requested shutdown")
		s.node.RequestShutdown()
	case wire.VerbUpdateOllama:
		clog.Infof(ctx, "Hub requested backend upgrade")
		if s.deps.Upgrades != nil {
			s.deps.Upgrades.Trigger(ctx)
		}
		if _, err := io.WriteString(s.conn, upgradeAck); err != nil {
			return fmt.Errorf("error acknowledging upgrade: %w", err)
		}
	default:
		clog.Warningf(ctx, "Received unknown control request from hub: %s", f)
	}
	return nil
}

// Upgrades runs backend upgrades requested by the hub in the background. A
// request arriving while an upgrade is in progress is ignored.
type Upgrades struct {
	upgrader Upgrader
	catalog  Catalog
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewUpgrades(u Upgrader, c Catalog) *Upgrades {
	return &Upgrades{upgrader: u, catalog: c}
}

// Trigger starts an upgrade unless one is already running. It reports
// whether a new upgrade was started.
func (u *Upgrades) Trigger(ctx context.Context) bool {
	if !u.running.CompareAndSwap(false, true) {
		clog.Warningf(ctx, "Backend upgrade already in progress, ignoring request")
		return false
	}
	// detached from the session so a broken connection does not abort the swap
	logCtx := clog.Clone(context.Background(), ctx)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer u.running.Store(false)

		start := time.Now()
		id, err := u.upgrader.Upgrade(logCtx)
		dur := time.Since(start)
		if u.catalog != nil {
			u.catalog.InvalidateVersion()
		}
		monitor.BackendUpgrade(err)
		monitor.LogUpgrade(u.upgrader.Image(), id, dur, err)
		if err != nil {
			clog.Errorf(logCtx, "Backend upgrade failed image=%s", u.upgrader.Image(), err)
			return
		}
		clog.Infof(logCtx, "Backend upgraded image=%s container=%s took=%v", u.upgrader.Image(), id, dur)
	}()
	return true
}

// Wait blocks until any running upgrade has finished.
func (u *Upgrades) Wait() {
	u.wg.Wait()
}
