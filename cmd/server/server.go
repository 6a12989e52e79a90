package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"go.uber.org/zap"
)

// Server is a TCP server that exposes worlds, statements and experiments of
// one ForkDB instance. Requests from all connections are serialized.
type Server struct {
	listener   net.Listener
	instance   *ForkDB.Instance
	identity   core.Identity
	authConfig *AuthConfig
	tlsEnabled bool
	logger     *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer creates a server whose mainline commits are authored by identity.
func NewServer(instance *ForkDB.Instance, identity core.Identity) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		instance: instance,
		identity: identity,
		logger:   instance.Logger.Named("server"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// NewServerWithAuth creates a server that requires an AUTH command before
// any other request. Commits are authored by the authenticated identity.
func NewServerWithAuth(instance *ForkDB.Instance, authConfig *AuthConfig) *Server {
	server := NewServer(instance, core.Identity{})
	server.authConfig = authConfig
	return server
}

// Start begins listening for connections on the specified address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	s.logger.Info("Server listening", zap.String("addr", listener.Addr().String()))

	go s.acceptLoop()
	return nil
}

// StartTLS begins listening for TLS connections.
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	listener, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}
	s.listener = listener
	s.tlsEnabled = true

	s.logger.Info("TLS server listening", zap.String("addr", listener.Addr().String()))

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, cancels running requests and waits for every
// connection to finish.
func (s *Server) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	close(s.done)
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) TLSEnabled() bool {
	return s.tlsEnabled
}

func (s *Server) authRequired() bool {
	return s.authConfig != nil && s.authConfig.Enabled
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("Accept error", zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Debug("Client connected")

	// unblock the read below on shutdown
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-s.done:
			_ = conn.SetReadDeadline(time.Now())
		case <-closed:
		}
	}()

	state := &ConnectionState{}
	if !s.authRequired() {
		identity := s.identity
		state.identity = &identity
	}

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				select {
				case <-s.done:
				default:
					logger.Warn("Read error", zap.Error(err))
				}
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			logger.Debug("Client disconnected")
			return
		}

		response := s.handleLine(line, state)

		data, err := EncodeResponse(response)
		if err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
			continue
		}

		if _, err := conn.Write(data); err != nil {
			logger.Warn("Write error", zap.Error(err))
			return
		}
	}
}

func (s *Server) handleLine(line string, state *ConnectionState) Response {
	if strings.HasPrefix(strings.ToUpper(line), "AUTH ") {
		if !s.authRequired() {
			return errorResponse("auth", errors.New("authentication is not enabled"))
		}
		return s.handleAuth(line, state)
	}

	if s.authRequired() {
		if !state.IsAuthenticated() {
			return errorResponse("auth", errors.New("authentication required: send AUTH JWT <token>"))
		}
		if state.expired(time.Now()) {
			return errorResponse("auth", errors.New("token expired: send AUTH JWT <token>"))
		}
	}

	req, err := DecodeRequest([]byte(line))
	if err != nil {
		return errorResponse("request", fmt.Errorf("invalid request: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dispatch(req, state)
}

func (s *Server) dispatch(req Request, state *ConnectionState) Response {
	ctx := s.ctx

	switch req.Op {
	case OpExec:
		return s.execute(ctx, req)

	case OpWorlds:
		return resultResponse(OpWorlds, WorldsResponse{Worlds: s.instance.Worlds()})

	case OpBranch:
		parent := req.Parent
		if parent == "" {
			parent = core.MainlineID
		}
		id, err := s.instance.Branch(parent, req.Description)
		if err != nil {
			return errorResponse(OpBranch, err)
		}
		return resultResponse(OpBranch, BranchResponse{World: id, Parent: parent})

	case OpSchema:
		schema, err := s.instance.Schema(ctx, req.World)
		if err != nil {
			return errorResponse(OpSchema, err)
		}
		return resultResponse(OpSchema, schema)

	case OpCommit:
		if req.World == "" {
			return errorResponse(OpCommit, errors.New("world is required"))
		}
		if err := s.instance.CommitAs(req.World, *state.identity); err != nil {
			return errorResponse(OpCommit, err)
		}
		return resultResponse(OpCommit, BranchResponse{World: req.World, Parent: core.MainlineID})

	case OpRollback:
		if req.World == "" {
			return errorResponse(OpRollback, errors.New("world is required"))
		}
		if err := s.instance.Rollback(req.World); err != nil {
			return errorResponse(OpRollback, err)
		}
		return resultResponse(OpRollback, BranchResponse{World: req.World})

	case OpHistory:
		return s.history()

	case OpExperiment:
		return s.experiment(ctx, req, state)

	case OpSelect:
		return s.selectWorld(req, state)

	default:
		return errorResponse("request", fmt.Errorf("unknown op %q", req.Op))
	}
}

func (s *Server) execute(ctx context.Context, req Request) Response {
	entry, err := s.instance.Execute(ctx, req.World, req.SQL)
	if err != nil {
		return errorResponse(string(entry.Kind), err)
	}

	timeMs := float64(entry.Duration.Microseconds()) / 1000

	switch entry.Kind {
	case core.QueryKind:
		data := make([][]string, len(entry.Rows))
		for i, row := range entry.Rows {
			data[i] = db.FormatRow(row)
		}
		return resultResponse("query", QueryResponse{
			World:       req.World,
			Columns:     entry.Columns,
			Data:        data,
			RecordsRead: entry.RowCount,
			TimeMs:      timeMs,
		})
	default:
		return resultResponse("mutation", MutationResponse{
			World:        req.World,
			AffectedRows: entry.AffectedRows,
			TimeMs:       timeMs,
		})
	}
}

func (s *Server) history() Response {
	transactions, err := s.instance.History()
	if err != nil {
		return errorResponse(OpHistory, err)
	}

	result := make([]TransactionResponse, len(transactions))
	for i, txn := range transactions {
		result[i] = TransactionResponse{
			Id:      txn.Id,
			When:    txn.When.Format(time.RFC3339),
			Author:  txn.Author,
			Kind:    string(txn.Promotion.Kind),
			World:   txn.Promotion.World,
			Metrics: txn.Promotion.Metrics,
		}
	}
	return resultResponse(OpHistory, result)
}

func (s *Server) experiment(ctx context.Context, req Request, state *ConnectionState) Response {
	if strings.TrimSpace(req.Question) == "" {
		return errorResponse(OpExperiment, errors.New("question is required"))
	}

	oracles, err := s.instance.Oracles("")
	if err != nil {
		return errorResponse(OpExperiment, err)
	}

	experiment := s.instance.Experiment(oracles, req.AutoCommit || s.instance.Config.Execution.AutoCommit)
	report, err := experiment.Run(ctx, req.Question)
	if err != nil {
		return errorResponse(OpExperiment, err)
	}

	state.experiment = experiment
	state.report = &report
	return resultResponse(OpExperiment, report)
}

func (s *Server) selectWorld(req Request, state *ConnectionState) Response {
	if state.report == nil {
		return errorResponse(OpSelect, errors.New("no experiment to select from"))
	}

	finalize, err := state.experiment.Select(state.report, req.World)
	if err != nil {
		return errorResponse(OpSelect, err)
	}

	response := resultResponse(OpSelect, finalize)
	if finalize.Committed == "" {
		response.Success = false
		response.Error = finalize.Message
	}
	return response
}

func errorResponse(typ string, err error) Response {
	return Response{Success: false, Type: typ, Error: err.Error()}
}

func resultResponse(typ string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(typ, err)
	}
	return Response{Success: true, Type: typ, Result: data}
}
