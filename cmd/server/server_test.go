package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/config"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const testPlan = `
intent: EXPERIMENT_START
primary_metric: total
branches:
  - id: b1
    name: Double
    statements:
      - UPDATE t SET v = v * 2
      - SELECT SUM(v) AS total FROM t
  - id: b2
    name: Broken
    statements:
      - SELECT * FROM missing
`

func setupTestInstance(t *testing.T) *ForkDB.Instance {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Oracle.PlanFile = filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(cfg.Oracle.PlanFile, []byte(testPlan), 0644))

	require.NoError(t, ForkDB.Init(context.Background(), cfg, ""))
	instance, err := ForkDB.Open(cfg, ForkDB.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	for _, stmt := range []string{
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v INTEGER)",
		"INSERT INTO t (v) VALUES (10), (20)",
	} {
		_, err := instance.Execute(context.Background(), core.MainlineID, stmt)
		require.NoError(t, err)
	}
	return instance
}

func setupTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	instance := setupTestInstance(t)
	server := NewServer(instance, core.Identity{Name: "test", Email: "test@test.com"})
	require.NoError(t, server.Start("127.0.0.1:0"))

	return server, func() {
		_ = server.Stop()
		_ = instance.Close()
	}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(line string) Response {
	c.t.Helper()

	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)

	var resp Response
	require.NoError(c.t, json.Unmarshal([]byte(data), &resp))
	return resp
}

func (c *client) request(req Request) Response {
	c.t.Helper()
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	return c.send(string(data))
}

func decode[T any](t *testing.T, resp Response) T {
	t.Helper()
	var result T
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return result
}

func TestServerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server, cleanup := setupTestServer(t)

	c := dial(t, server.Addr())
	resp := c.send("SELECT 1")
	require.True(t, resp.Success, resp.Error)

	cleanup()
	assert.NoError(t, server.Stop(), "stop is idempotent")
}

func TestServerRawQuery(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := dial(t, server.Addr()).send("SELECT SUM(v) AS total FROM t")
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "query", resp.Type)

	result := decode[QueryResponse](t, resp)
	assert.Equal(t, core.MainlineID, result.World)
	assert.Equal(t, []string{"total"}, result.Columns)
	assert.Equal(t, [][]string{{"30"}}, result.Data)
	assert.Equal(t, 1, result.RecordsRead)
}

func TestServerError(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())

	resp := c.send("SELECT * FROM missing")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "missing")

	resp = c.send(`{"op":"exec","world":"world_9","sql":"SELECT 1"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown world")

	resp = c.send(`{"op":"nope"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown op")

	resp = c.send(`{"op":`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid request")

	resp = c.send(`{"op":"commit"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "world is required")
}

func TestServerBranchExecuteCommit(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())

	resp := c.request(Request{Op: OpBranch, Description: "double"})
	require.True(t, resp.Success, resp.Error)
	branch := decode[BranchResponse](t, resp)
	assert.Equal(t, "world_1", branch.World)
	assert.Equal(t, core.MainlineID, branch.Parent)

	resp = c.request(Request{Op: OpExec, World: branch.World, SQL: "UPDATE t SET v = v * 2"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "mutation", resp.Type)
	assert.Equal(t, int64(2), decode[MutationResponse](t, resp).AffectedRows)

	resp = c.send("SELECT SUM(v) FROM t")
	assert.Equal(t, [][]string{{"30"}}, decode[QueryResponse](t, resp).Data)

	resp = c.request(Request{Op: OpWorlds})
	require.True(t, resp.Success, resp.Error)
	worlds := decode[WorldsResponse](t, resp).Worlds
	require.Len(t, worlds, 2)
	assert.Equal(t, "double", worlds[1].Description)

	resp = c.request(Request{Op: OpCommit, World: branch.World})
	require.True(t, resp.Success, resp.Error)

	resp = c.send("SELECT SUM(v) FROM t")
	assert.Equal(t, [][]string{{"60"}}, decode[QueryResponse](t, resp).Data)

	resp = c.request(Request{Op: OpExec, World: branch.World, SQL: "SELECT 1"})
	assert.False(t, resp.Success)

	resp = c.request(Request{Op: OpHistory})
	require.True(t, resp.Success, resp.Error)
	history := decode[[]TransactionResponse](t, resp)
	require.Len(t, history, 2)
	assert.Equal(t, "commit", history[0].Kind)
	assert.Equal(t, "test <test@test.com>", history[0].Author)
	assert.Equal(t, "baseline", history[1].Kind)
}

func TestServerRollbackAndSchema(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())

	resp := c.request(Request{Op: OpBranch})
	require.True(t, resp.Success, resp.Error)
	id := decode[BranchResponse](t, resp).World

	resp = c.request(Request{Op: OpExec, World: id, SQL: "ALTER TABLE t ADD COLUMN note TEXT"})
	require.True(t, resp.Success, resp.Error)

	resp = c.request(Request{Op: OpSchema, World: id})
	require.True(t, resp.Success, resp.Error)
	schema := decode[core.Schema](t, resp)
	table, ok := schema.Table("t")
	require.True(t, ok)
	assert.Len(t, table.Columns, 3)

	resp = c.request(Request{Op: OpRollback, World: id})
	require.True(t, resp.Success, resp.Error)

	resp = c.request(Request{Op: OpSchema, World: id})
	assert.False(t, resp.Success)

	resp = c.request(Request{Op: OpRollback, World: core.MainlineID})
	assert.False(t, resp.Success)
}

func TestServerExperimentAndSelect(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())

	resp := c.request(Request{Op: OpSelect})
	assert.False(t, resp.Success)

	resp = c.request(Request{Op: OpExperiment, Question: "How do we double the total?"})
	require.True(t, resp.Success, resp.Error)
	report := decode[op.Report](t, resp)
	require.Len(t, report.Worlds, 2)
	assert.Equal(t, core.PhaseDone, report.Worlds[0].Phase)
	assert.Equal(t, core.PhaseFailed, report.Worlds[1].Phase)
	require.NotNil(t, report.Recommendation)
	assert.Equal(t, "world_1", report.Recommendation.WorldID)

	resp = c.request(Request{Op: OpSelect, World: "world_2"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "rejected")

	resp = c.request(Request{Op: OpSelect})
	require.True(t, resp.Success, resp.Error)
	finalize := decode[op.FinalizeReport](t, resp)
	assert.Equal(t, "world_1", finalize.Committed)
	assert.Equal(t, []string{"world_2"}, finalize.RolledBack)

	resp = c.send("SELECT SUM(v) FROM t")
	assert.Equal(t, [][]string{{"60"}}, decode[QueryResponse](t, resp).Data)
}

func TestServerExperimentHonorsConfiguredAutoCommit(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	server.instance.Config.Execution.AutoCommit = true

	c := dial(t, server.Addr())

	resp := c.request(Request{Op: OpExperiment, Question: "How do we double the total?"})
	require.True(t, resp.Success, resp.Error)
	report := decode[op.Report](t, resp)
	require.NotNil(t, report.Finalize)
	assert.Equal(t, "world_1", report.Finalize.Committed)

	resp = c.send("SELECT SUM(v) FROM t")
	assert.Equal(t, [][]string{{"60"}}, decode[QueryResponse](t, resp).Data)
}

func TestServerPersistentConnectionAndQuit(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())
	for i := 0; i < 5; i++ {
		resp := c.send("INSERT INTO t (v) VALUES (1)")
		require.True(t, resp.Success, resp.Error)
	}
	resp := c.send("SELECT COUNT(*) FROM t")
	assert.Equal(t, [][]string{{"7"}}, decode[QueryResponse](t, resp).Data)

	_, err := c.conn.Write([]byte("quit\n"))
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.reader.ReadString('\n')
	assert.Error(t, err, "server closes the connection after quit")
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte("  SELECT 1  "))
	require.NoError(t, err)
	assert.Equal(t, Request{Op: OpExec, World: core.MainlineID, SQL: "SELECT 1"}, req)

	req, err = DecodeRequest([]byte(`{"sql":"SELECT 1","world":"world_1"}`))
	require.NoError(t, err)
	assert.Equal(t, OpExec, req.Op)
	assert.Equal(t, "world_1", req.World)

	req, err = DecodeRequest([]byte(`{"op":"SCHEMA"}`))
	require.NoError(t, err)
	assert.Equal(t, OpSchema, req.Op)
	assert.Equal(t, core.MainlineID, req.World)

	req, err = DecodeRequest([]byte(`{"op":"select"}`))
	require.NoError(t, err)
	assert.Empty(t, req.World)

	_, err = DecodeRequest([]byte(`{"op":1}`))
	assert.Error(t, err)
}

// === Auth Tests ===

func setupAuthTestServer(t *testing.T, secret string) (*Server, func()) {
	t.Helper()

	instance := setupTestInstance(t)
	server := NewServerWithAuth(instance, &AuthConfig{
		Enabled:   true,
		JWTSecret: secret,
		Issuer:    "forkdb-test",
	})
	require.NoError(t, server.Start("127.0.0.1:0"))

	return server, func() {
		_ = server.Stop()
		_ = instance.Close()
	}
}

func createTestJWT(t *testing.T, secret, issuer, name, email string, expiry time.Duration) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   issuer,
		"name":  name,
		"email": email,
		"exp":   time.Now().Add(expiry).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthRequired(t *testing.T) {
	server, cleanup := setupAuthTestServer(t, "secret")
	defer cleanup()

	resp := dial(t, server.Addr()).send("SELECT 1")
	assert.False(t, resp.Success)
	assert.Equal(t, "auth", resp.Type)
	assert.Contains(t, resp.Error, "authentication required")
}

func TestAuthWithValidJWT(t *testing.T) {
	server, cleanup := setupAuthTestServer(t, "secret")
	defer cleanup()

	c := dial(t, server.Addr())
	resp := c.send("AUTH JWT " + createTestJWT(t, "secret", "forkdb-test", "Alice", "alice@example.com", time.Hour))
	require.True(t, resp.Success, resp.Error)

	auth := decode[AuthResponse](t, resp)
	assert.True(t, auth.Authenticated)
	assert.Equal(t, "Alice <alice@example.com>", auth.Identity)
	assert.Greater(t, auth.ExpiresIn, 0)

	resp = c.send("SELECT 1")
	assert.True(t, resp.Success, resp.Error)
}

func TestAuthWithInvalidJWT(t *testing.T) {
	server, cleanup := setupAuthTestServer(t, "secret")
	defer cleanup()

	c := dial(t, server.Addr())

	resp := c.send("AUTH JWT " + createTestJWT(t, "wrong", "forkdb-test", "Alice", "alice@example.com", time.Hour))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid token")

	resp = c.send("AUTH JWT " + createTestJWT(t, "secret", "someone-else", "Alice", "alice@example.com", time.Hour))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid issuer")

	resp = c.send("AUTH JWT " + createTestJWT(t, "secret", "forkdb-test", "Alice", "alice@example.com", -time.Hour))
	assert.False(t, resp.Success)

	resp = c.send("AUTH BASIC abc")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unsupported auth type")

	resp = c.send("SELECT 1")
	assert.False(t, resp.Success)
}

func TestAuthNotEnabled(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := dial(t, server.Addr()).send("AUTH JWT abc")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not enabled")
}

func TestIdentityInCommitsAuthenticated(t *testing.T) {
	server, cleanup := setupAuthTestServer(t, "secret")
	defer cleanup()

	c := dial(t, server.Addr())
	resp := c.send("AUTH JWT " + createTestJWT(t, "secret", "forkdb-test", "Bob", "bob@example.com", time.Hour))
	require.True(t, resp.Success, resp.Error)

	resp = c.request(Request{Op: OpBranch})
	require.True(t, resp.Success, resp.Error)
	resp = c.request(Request{Op: OpCommit, World: decode[BranchResponse](t, resp).World})
	require.True(t, resp.Success, resp.Error)

	txn := server.instance.Store.History().LatestTransaction()
	assert.Equal(t, "Bob <bob@example.com>", txn.Author)
}

func TestParseAuthCommand(t *testing.T) {
	authType, token, err := parseAuthCommand("auth jwt abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "JWT", authType)
	assert.Equal(t, "abc.def.ghi", token)

	_, _, err = parseAuthCommand("AUTH JWT")
	assert.Error(t, err)

	_, _, err = parseAuthCommand("SELECT 1")
	assert.Error(t, err)
}

func TestAuthConfigFromServer(t *testing.T) {
	assert.Nil(t, AuthConfigFromServer(config.ServerConfig{}))

	auth := AuthConfigFromServer(config.ServerConfig{JWTSecret: "s", JWTIssuer: "iss", JWTAudience: "aud"})
	require.NotNil(t, auth)
	assert.True(t, auth.Enabled)
	assert.Equal(t, "iss", auth.Issuer)
	assert.Equal(t, "aud", auth.Audience)
}

// === TLS Tests ===

func setupTLSTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	generateTestCertificate(t, certFile, keyFile)

	instance := setupTestInstance(t)
	server := NewServer(instance, core.Identity{Name: "test", Email: "test@test.com"})
	require.NoError(t, server.StartTLS("127.0.0.1:0", certFile, keyFile))

	return server, certFile, func() {
		_ = server.Stop()
		_ = instance.Close()
	}
}

func generateTestCertificate(t *testing.T, certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0600))

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))
}

func TestTLSServerConnection(t *testing.T) {
	server, certFile, cleanup := setupTLSTestServer(t)
	defer cleanup()

	assert.True(t, server.TLSEnabled())

	certData, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certData)

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", server.Addr(), &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	defer conn.Close()

	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	resp := c.send("SELECT COUNT(*) FROM t")
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, [][]string{{"2"}}, decode[QueryResponse](t, resp).Data)
}

func TestTLSServerInvalidCert(t *testing.T) {
	server, _, cleanup := setupTLSTestServer(t)
	defer cleanup()

	_, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", server.Addr(), &tls.Config{
		ServerName: "localhost",
	})
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MetricsAddr = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	require.NoError(t, ForkDB.Init(context.Background(), cfg, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestAuthenticateAudienceAndExpiry(t *testing.T) {
	auth := &AuthConfig{Enabled: true, JWTSecret: "secret", Audience: "forkdb"}

	sign := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		return signed
	}
	exp := time.Now().Add(time.Hour).Unix()

	identity, expiresAt, err := auth.authenticate(sign(jwt.MapClaims{"aud": "forkdb", "name": "Carol", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "Carol", identity.Name)
	assert.False(t, expiresAt.IsZero())

	_, _, err = auth.authenticate(sign(jwt.MapClaims{"aud": "other", "name": "Carol", "exp": exp}))
	assert.Error(t, err)

	_, _, err = auth.authenticate(sign(jwt.MapClaims{"aud": "forkdb", "name": "Carol"}))
	assert.Error(t, err, "tokens must expire")

	_, _, err = auth.authenticate(sign(jwt.MapClaims{"aud": "forkdb", "exp": exp}))
	assert.ErrorContains(t, err, "neither name nor email")

	var unconfigured *AuthConfig
	_, _, err = unconfigured.authenticate("abc")
	assert.Error(t, err)
}

func TestConnectionStateExpiry(t *testing.T) {
	identity := core.Identity{Name: "Dan"}
	now := time.Now()

	state := &ConnectionState{identity: &identity}
	assert.False(t, state.expired(now), "no expiry set")

	state.tokenExpiry = now.Add(time.Minute)
	assert.False(t, state.expired(now))
	assert.True(t, state.IsAuthenticated())

	assert.True(t, state.expired(now.Add(2*time.Minute)))
	assert.False(t, state.IsAuthenticated())
	assert.Nil(t, state.Identity())
}
