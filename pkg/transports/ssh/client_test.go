package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server with a tiny command set and an
// SFTP subsystem backed by the local filesystem.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, hostKey := newTestSigner(t)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "s3cret" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{listener: l, config: cfg}
	t.Cleanup(func() { _ = l.Close() })

	go s.serve()
	return s
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testServer) handle(netConn net.Conn) {
	defer netConn.Close()
	sc, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests)
	}
}

func exitStatus(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			switch payload.Command {
			case "echo hello":
				_, _ = ch.Write([]byte("hello\n"))
				exitStatus(ch, 0)
			case "warn":
				_, _ = ch.Stderr().Write([]byte("careful\n"))
				exitStatus(ch, 0)
			case "fail":
				_, _ = ch.Stderr().Write([]byte("boom\n"))
				exitStatus(ch, 3)
			case "hang":
				// Wait for the client to signal or close the channel.
				for r := range requests {
					if r.Type == "signal" {
						return
					}
				}
			default:
				exitStatus(ch, 127)
			}
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func newTestSigner(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return priv, signer
}

func (s *testServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig(host, "deploy")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "s3cret"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

func connect(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	srv := newTestServer(t)
	c := connect(t, srv.clientConfig(t))

	assert.True(t, c.IsConnected())
	require.NoError(t, c.Connect(context.Background()), "reconnect reuses live connection")

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Disconnect(), "second disconnect is a no-op")

	_, _, err := c.ExecuteCommand(context.Background(), "echo hello")
	require.Error(t, err)
}

func TestClient_WrongPassword(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.clientConfig(t)
	cfg.Password = "nope"

	c, err := NewClient(cfg)
	require.NoError(t, err)
	err = c.Connect(context.Background())
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.True(t, te.IsAuthError)
	assert.False(t, c.IsConnected())
}

func TestClient_KeyAuth(t *testing.T) {
	srv := newTestServer(t)
	priv, _ := newTestSigner(t)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	cfg := srv.clientConfig(t)
	cfg.AuthMethod = AuthMethodKey
	cfg.Password = ""
	cfg.PrivateKeyPath = keyPath

	c := connect(t, cfg)
	stdout, _, err := c.ExecuteCommand(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", stdout)
}

func TestClient_ExecuteCommand(t *testing.T) {
	srv := newTestServer(t)
	c := connect(t, srv.clientConfig(t))
	ctx := context.Background()

	stdout, stderr, err := c.ExecuteCommand(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", stdout)
	assert.Empty(t, stderr)

	_, stderr, err = c.ExecuteCommand(ctx, "warn")
	require.NoError(t, err)
	assert.Equal(t, "careful", stderr)

	_, stderr, err = c.ExecuteCommand(ctx, "fail")
	require.Error(t, err)
	assert.Equal(t, "boom", stderr)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.ExitCode)
	assert.False(t, te.Temporary())
}

func TestClient_ExecuteCommandCancelled(t *testing.T) {
	srv := newTestServer(t)
	c := connect(t, srv.clientConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := c.ExecuteCommand(ctx, "hang")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_CommandTimeout(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.clientConfig(t)
	cfg.CommandTimeout = 50 * time.Millisecond
	c := connect(t, cfg)

	_, _, err := c.ExecuteCommand(context.Background(), "hang")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ConnectCancelled(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.clientConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.Connect(ctx))
	assert.False(t, c.IsConnected())
}

func TestClient_UploadFile(t *testing.T) {
	srv := newTestServer(t)
	c := connect(t, srv.clientConfig(t))

	local := filepath.Join(t.TempDir(), "app.tar.gz")
	require.NoError(t, os.WriteFile(local, []byte("artifact bits"), 0o644))
	remote := filepath.Join(t.TempDir(), "releases", "v1", "app.tar.gz")

	require.NoError(t, c.UploadFile(context.Background(), local, remote, 0o600))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "artifact bits", string(data))
	info, err := os.Stat(remote)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), remote, 0)
	require.Error(t, err)
}

func TestClient_UploadDirectory(t *testing.T) {
	srv := newTestServer(t)
	c := connect(t, srv.clientConfig(t))

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "app"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.yaml"), []byte("port: 80\n"), 0o644))

	dst := filepath.Join(t.TempDir(), "app")
	require.NoError(t, c.UploadDirectory(context.Background(), src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "port: 80\n", string(data))
	info, err := os.Stat(filepath.Join(dst, "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
