package learner

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	gokitlog "github.com/go-kit/kit/log"

	server "zableader.io/server"
	"zableader.io/server/collab"
	"zableader.io/server/config"
	"zableader.io/server/leader"
)

// LearnerConnectionAcceptor binds one TCP listener per configured quorum
// address (or a wildcard address when ListenOnAllIPs is set) and spawns a
// LearnerSession per accepted connection, per spec.md §4.4. The
// accept-then-spawn shape and the backoff-on-transient-error retry are
// adapted from the teacher's connection-accept path, reusing
// server.BinaryBackoffEngine (utils.go) exactly as the teacher's own
// reconnect logic does.
type LearnerConnectionAcceptor struct {
	listeners []net.Listener
	leader    *leader.Leader
	txnLog    collab.TransactionLog
	state     collab.ReplicatedState
	auth      collab.QuorumAuthServer
	tlsConfig *tls.Config
	cfg       config.Configuration
	logger    gokitlog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewAcceptor binds addrs (or a single wildcard listener per addr's port
// when listenOnAllIPs is set) and starts one accept loop per bound
// listener. If every bind attempt fails, returns server.ErrBindFailure
// per spec.md §4.4/§7.
func NewAcceptor(
	addrs []string,
	listenOnAllIPs bool,
	tlsConfig *tls.Config,
	l *leader.Leader,
	txnLog collab.TransactionLog,
	state collab.ReplicatedState,
	auth collab.QuorumAuthServer,
	cfg config.Configuration,
	logger gokitlog.Logger,
) (*LearnerConnectionAcceptor, error) {
	a := &LearnerConnectionAcceptor{
		leader:    l,
		txnLog:    txnLog,
		state:     state,
		auth:      auth,
		tlsConfig: tlsConfig,
		cfg:       cfg,
		logger:    logger,
		closed:    make(chan struct{}),
	}

	var lastErr error
	for _, addr := range addrs {
		bindAddr := addr
		if listenOnAllIPs {
			if _, port, err := net.SplitHostPort(addr); err == nil {
				bindAddr = ":" + port
			}
		}
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			lastErr = err
			logger.Log("msg", "failed to bind learner listener", "addr", bindAddr, "error", err)
			continue
		}
		a.listeners = append(a.listeners, ln)
	}
	if len(a.listeners) == 0 {
		return nil, fmt.Errorf("%w: no learner listener could be bound: %v", server.ErrBindFailure, lastErr)
	}

	for _, ln := range a.listeners {
		a.wg.Add(1)
		go a.acceptLoop(ln)
	}
	return a, nil
}

func (a *LearnerConnectionAcceptor) acceptLoop(ln net.Listener) {
	defer a.wg.Done()
	backoff := server.NewBinaryBackoffEngine(rand.New(rand.NewSource(time.Now().UnixNano())),
		server.AcceptRestartDelayMin, time.Duration(server.AcceptRestartDelayRangeMS)*time.Millisecond)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-a.closed:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				a.logger.Log("msg", "transient accept error, backing off", "error", err)
				backoff.Advance()
				waited := make(chan struct{})
				backoff.After(func() { close(waited) })
				<-waited
				continue
			}
			a.logger.Log("msg", "fatal accept error, listener stopping", "error", err)
			return
		}
		backoff.Shrink(0)
		go a.handleConn(conn)
	}
}

func (a *LearnerConnectionAcceptor) handleConn(conn net.Conn) {
	if a.cfg.LeaderNodelay {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}
	var established net.Conn = conn
	if a.tlsConfig != nil {
		tlsConn := tls.Server(conn, a.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			a.logger.Log("msg", "learner TLS handshake failed", "error", err)
			_ = conn.Close()
			return
		}
		if a.auth != nil {
			if _, err := a.auth.Authenticate(tlsConn); err != nil {
				a.logger.Log("msg", "learner authentication failed", "error", err)
				_ = tlsConn.Close()
				return
			}
		}
		established = tlsConn
	}
	NewSession(established, a.leader, a.txnLog, a.state, a.cfg, a.logger)
}

// Close halts the acceptor: closes every listening socket and waits for
// accept loops to drain, per spec.md §5's cancellation semantics. Session
// tasks are not waited on here; they deregister themselves from the
// leader as they close.
func (a *LearnerConnectionAcceptor) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		for _, ln := range a.listeners {
			_ = ln.Close()
		}
	})
	a.wg.Wait()
}
