package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	zab "zableader.io/server"
	"zableader.io/server/collab"
	"zableader.io/server/config"
	"zableader.io/server/leader"
	"zableader.io/server/learner"
	"zableader.io/server/quorum"
	"zableader.io/server/status"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	logger.Log("product", "zableader", "version", zab.ServerVersion, "args", fmt.Sprint(os.Args))

	s, err := newServer(logger)
	if err != nil {
		fmt.Printf("\n%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if s != nil {
		s.start()
	}
}

type server struct {
	logger  log.Logger
	dataDir string
	self    zab.ServerId

	peers        []config.Peer
	quorumAddr   string
	promPort     int
	httpProf     bool
	certFile     string
	keyFile      string
	clientCAFile string
	cfg          config.Configuration

	lock           sync.Mutex
	lead           *leader.Leader
	acceptor       *learner.LearnerConnectionAcceptor
	statusEmitters []func(*status.StatusConsumer)
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
}

func newServer(logger log.Logger) (*server, error) {
	var dataDir, peersFlag, quorumAddr, certFile, keyFile, clientCAFile string
	var promPort int
	var httpProf, version, reconfigEnabled bool
	var selfId uint64
	var tickMs, initLimit, syncLimit int

	flag.StringVar(&dataDir, "dir", "", "`Path` to data directory, used to persist this server's id across restarts.")
	flag.Uint64Var(&selfId, "id", 0, "This server's id within the ensemble (required if -dir is not supplied).")
	flag.StringVar(&peersFlag, "peers", "", "Comma-separated sid=quorumAddr=role entries, e.g. '1=10.0.0.1:2888=participant,2=10.0.0.2:2888=participant'.")
	flag.StringVar(&quorumAddr, "quorumAddr", "", "`Address` this server binds for learner connections (required).")
	flag.IntVar(&promPort, "prometheusPort", 9000, "Port to provide HTTP for Prometheus metrics service on. Set to 0 to disable.")
	flag.BoolVar(&httpProf, "httpProfile", false, fmt.Sprintf("Enable Go HTTP Profiling on port localhost:%d.", zab.HttpProfilePort))
	flag.StringVar(&certFile, "cert", "", "`Path` to this server's TLS certificate and key file (PEM, cert then key). Empty disables TLS.")
	flag.StringVar(&keyFile, "key", "", "`Path` to this server's TLS private key file, if not concatenated into -cert.")
	flag.StringVar(&clientCAFile, "peerCA", "", "`Path` to the CA bundle trusted for peer (learner) certificates.")
	flag.BoolVar(&reconfigEnabled, "reconfigEnabled", false, "Enable dynamic reconfiguration (spec.md §4.8).")
	flag.IntVar(&tickMs, "tickTime", int(zab.DefaultTickTime/time.Millisecond), "Tick time in milliseconds.")
	flag.IntVar(&initLimit, "initLimit", zab.DefaultInitLimit, "Init limit, in ticks.")
	flag.IntVar(&syncLimit, "syncLimit", zab.DefaultSyncLimit, "Sync limit, in ticks.")
	flag.BoolVar(&version, "version", false, "Display version and exit.")
	flag.Parse()

	if version {
		fmt.Println("zableader version", zab.ServerVersion)
		return nil, nil
	}
	if quorumAddr == "" {
		return nil, fmt.Errorf("no quorum address supplied (missing -quorumAddr parameter)")
	}

	s := &server{
		logger:       logger,
		dataDir:      dataDir,
		quorumAddr:   quorumAddr,
		promPort:     promPort,
		httpProf:     httpProf,
		certFile:     certFile,
		keyFile:      keyFile,
		clientCAFile: clientCAFile,
		shutdownChan: make(chan struct{}),
		cfg: config.Configuration{
			InitLimit:                   initLimit,
			SyncLimit:                   syncLimit,
			TickTime:                    time.Duration(tickMs) * time.Millisecond,
			ReconfigEnabled:             reconfigEnabled,
			LeaderNodelay:               true,
			LeaderAckLoggingFrequency:   1000,
			LeaderMaxTimeToWaitForEpoch: -1,
			LeaderServes:                true,
			ListenOnAllIPs:              false,
		},
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, err
		}
		if err := s.ensureSelfId(selfId); err != nil {
			return nil, err
		}
	} else if selfId != 0 {
		s.self = zab.ServerId(selfId)
	} else {
		return nil, fmt.Errorf("no server id supplied (missing -id or -dir parameter)")
	}

	peers, err := parsePeers(peersFlag)
	if err != nil {
		return nil, err
	}
	s.peers = peers

	return s, nil
}

// ensureSelfId persists this server's id under dataDir, the teacher's
// ensureRMId pattern (cmd/goshawkdb/main.go) adapted from a random RMId to
// an operator-supplied sid recorded on first boot.
func (s *server) ensureSelfId(flagId uint64) error {
	path := s.dataDir + "/sid"
	if b, err := os.ReadFile(path); err == nil && len(b) == 4 {
		s.self = zab.ServerId(binary.BigEndian.Uint32(b))
		return nil
	}
	if flagId == 0 {
		return fmt.Errorf("no persisted sid found under %s and no -id supplied", s.dataDir)
	}
	s.self = zab.ServerId(flagId)
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(flagId))
	return os.WriteFile(path, b, 0400)
}

func parsePeers(raw string) ([]config.Peer, error) {
	var peers []config.Peer
	if raw == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		fields := strings.Split(entry, "=")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed -peers entry %q: want sid=quorumAddr=role", entry)
		}
		var sid uint64
		if _, err := fmt.Sscanf(fields[0], "%d", &sid); err != nil {
			return nil, fmt.Errorf("malformed sid in -peers entry %q: %w", entry, err)
		}
		role := config.RoleParticipant
		switch strings.ToLower(fields[2]) {
		case "observer":
			role = config.RoleObserver
		case "participant":
			role = config.RoleParticipant
		default:
			return nil, fmt.Errorf("unrecognized role %q in -peers entry %q", fields[2], entry)
		}
		peers = append(peers, config.Peer{Sid: zab.ServerId(sid), QuorumAddr: fields[1], Role: role})
	}
	return peers, nil
}

func (s *server) start() {
	if s.httpProf {
		go func() {
			s.logger.Log("pprofResult", http.ListenAndServe(fmt.Sprintf("localhost:%d", zab.HttpProfilePort), nil))
		}()
	}

	procs := runtime.NumCPU()
	if procs < 2 {
		procs = 2
	}
	runtime.GOMAXPROCS(procs)

	go s.signalHandler()

	peers := append([]config.Peer{}, s.peers...)
	peers = append(peers, config.Peer{Sid: s.self, QuorumAddr: s.quorumAddr, Role: config.RoleParticipant})
	peerView := config.NewPeerView(s.self, peers)

	verifier := quorum.NewMajorityVerifier(1, peerView.Participants())

	registry := prometheus.NewRegistry()
	metrics := leader.NewMetrics(registry)

	epochStore := collab.NewInMemoryEpochStore()
	acceptedEpoch, err := epochStore.GetAcceptedEpoch()
	if err != nil {
		s.shutdown(err)
		return
	}

	collaborators := leader.Collaborators{
		State:          collab.NewInMemoryReplicatedState(),
		EpochStore:     epochStore,
		Log:            collab.NewInMemoryTransactionLog(),
		ElectionDriver: &electionDriver{s: s},
	}

	s.lead = leader.New(s.self, peerView, verifier, s.cfg, collaborators, metrics, log.With(s.logger, "component", "leader"))
	s.lead.StartEpochAgreement(acceptedEpoch)
	stopTick := s.lead.StartTickLoop()
	s.addStatusEmitter(s.lead.Status)

	tlsConfig, err := s.buildTLSConfig()
	if err != nil {
		s.shutdown(err)
		return
	}
	var authServer collab.QuorumAuthServer
	if tlsConfig != nil {
		authServer = &collab.StaticQuorumAuthServer{FingerprintToSid: map[[32]byte]zab.ServerId{}}
	}

	acceptor, err := learner.NewAcceptor(
		[]string{s.quorumAddr}, s.cfg.ListenOnAllIPs, tlsConfig,
		s.lead, collaborators.Log, collaborators.State, authServer, s.cfg,
		log.With(s.logger, "component", "learner-acceptor"),
	)
	if err != nil {
		stopTick()
		s.shutdown(err)
		return
	}
	s.acceptor = acceptor

	if s.promPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			addr := fmt.Sprintf(":%d", s.promPort)
			s.logger.Log("promResult", http.ListenAndServe(addr, mux))
		}()
	}

	s.logger.Log("msg", "Startup complete.", "self", s.self, "quorumAddr", s.quorumAddr)

	<-s.shutdownChan
	stopTick()
	s.acceptor.Close()
	s.lead.Shutdown(zab.ErrLeaderShuttingDown)
	s.logger.Log("msg", "Shutdown.")
}

func (s *server) buildTLSConfig() (*tls.Config, error) {
	if s.certFile == "" {
		return nil, nil
	}
	keyFile := s.keyFile
	if keyFile == "" {
		keyFile = s.certFile
	}
	cert, err := tls.LoadX509KeyPair(s.certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	if s.clientCAFile != "" {
		pem, err := os.ReadFile(s.clientCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", s.clientCAFile)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func (s *server) addStatusEmitter(emit func(*status.StatusConsumer)) {
	s.lock.Lock()
	s.statusEmitters = append(s.statusEmitters, emit)
	s.lock.Unlock()
}

func (s *server) shutdown(err error) {
	if err != nil {
		s.logger.Log("msg", "Shutting down due to fatal error.", "error", err)
		s.SignalShutdown()
		os.Exit(1)
	}
}

func (s *server) SignalShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
}

func (s *server) signalHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, os.Interrupt)
	for sig := range sigs {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			s.SignalShutdown()
		case syscall.SIGQUIT:
			s.signalDumpStacks()
		case syscall.SIGHUP:
			s.logger.Log("msg", "Config reload requested but no config file watcher is wired; restart to pick up peer changes.")
		case syscall.SIGUSR1:
			go s.signalStatus()
		case syscall.SIGUSR2:
			s.logger.Log("msg", "SIGUSR2 received; no profiling toggle wired for this build.")
		}
	}
}

func (s *server) signalStatus() {
	sc := status.NewStatusConsumer(os.Stderr)
	sc.Emit(fmt.Sprintf("Self: %v", s.self))
	sc.Emit(fmt.Sprintf("QuorumAddr: %v", s.quorumAddr))

	s.lock.Lock()
	for _, emit := range s.statusEmitters {
		emit(sc.Fork())
	}
	s.lock.Unlock()
	sc.Join()
}

func (s *server) signalDumpStacks() {
	size := 16384
	for {
		buf := make([]byte, size)
		if l := runtime.Stack(buf, true); l <= size {
			s.logger.Log("msg", "Stacks Dump Start", "self", s.self)
			os.Stderr.Write(buf[:l])
			s.logger.Log("msg", "Stacks Dump End", "self", s.self)
			return
		}
		size += size
	}
}

// electionDriver bridges leader.Collaborators.ElectionDriver to process
// shutdown: this binary does not implement an election algorithm of its
// own (out of scope per spec.md §1/§6), so losing leadership or any fatal
// leader error simply terminates the process, and an external supervisor
// (or a future election-driver implementation) is expected to restart it
// into LOOKING.
type electionDriver struct{ s *server }

func (d *electionDriver) LeaderShutdown(reason error) {
	d.s.logger.Log("msg", "leader shut down, exiting", "reason", reason)
	d.s.SignalShutdown()
}
