//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ssh_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/execcontext"
)

func newPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := gossh.MarshalPrivateKey(key, "test@vmlauncher")
	require.NoError(t, err)

	return pem.EncodeToMemory(block)
}

// testServer accepts SSH sessions and answers exec requests. Commands containing "fail"
// exit with status 1.
type testServer struct {
	listener net.Listener
	config   *gossh.ServerConfig
	hostKey  gossh.PublicKey

	mu       sync.Mutex
	commands []string
}

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := gossh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &gossh.ServerConfig{
		PasswordCallback: func(_ gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: listener, config: config, hostKey: signer.PublicKey()}
	t.Cleanup(func() { _ = listener.Close() })

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

func (s *testServer) handle(conn net.Conn) {
	_, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}

	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(gossh.UnknownChannelType, "unsupported")
			continue
		}

		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}

		go func() {
			defer ch.Close()

			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}

				var payload struct{ Command string }
				_ = gossh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()

				status := uint32(0)
				if strings.Contains(payload.Command, "fail") {
					status = 1
				}

				_, _ = ch.Write([]byte("ok\n"))
				_, _ = ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))

				return
			}
		}()
	}
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

func (s *testServer) client(password string) *ssh.Client {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())

	return &ssh.Client{
		Host:        host,
		Port:        port,
		User:        "builder",
		Password:    password,
		DialTimeout: 5 * time.Second,
	}
}

func TestNewClient_Success(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, newPrivateKeyPEM(t), 0o600))

	client, err := ssh.NewClient("test-host", "test-user", keyPath, "22")
	require.NoError(t, err)

	assert.Equal(t, "test-host", client.Host)
	assert.Equal(t, "test-user", client.User)
	assert.Equal(t, "22", client.Port)
	assert.Equal(t, "test-host:22", client.Addr())
	assert.NotEmpty(t, client.PrivateKey)
}

func TestNewClient_FileNotFound(t *testing.T) {
	client, err := ssh.NewClient("test-host", "test-user", "/nonexistent/path/id_rsa", "22")
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "unable to read private key")
}

func TestNewClient_InvalidKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := ssh.NewClient("test-host", "test-user", keyPath, "22")
	assert.ErrorContains(t, err, "unable to parse private key")
}

func TestClient_Run(t *testing.T) {
	server := newTestServer(t, "secret")
	client := server.client("secret")

	ec := execcontext.New(map[string]string{"AGENT": "agent-1"}, nil)

	stdout, _, err := client.Run(t.Context(), ec, "systemctl", "start", "agent")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", stdout)
	assert.Equal(t, []string{`AGENT="agent-1" "systemctl" "start" "agent"`}, server.Commands())

	_, _, err = client.Run(t.Context(), ec, "fail")
	assert.ErrorContains(t, err, "remote command failed")
}

func TestClient_Ping(t *testing.T) {
	server := newTestServer(t, "secret")

	require.NoError(t, server.client("secret").Ping(t.Context()))
	assert.Error(t, server.client("wrong").Ping(t.Context()))
}

func TestClient_NoAuthMethod(t *testing.T) {
	client := &ssh.Client{Host: "127.0.0.1", Port: "22", User: "builder"}
	_, _, err := client.Run(context.Background(), execcontext.New(nil, nil), "true")
	assert.Error(t, err)
}

func TestClient_KnownHostKey(t *testing.T) {
	server := newTestServer(t, "secret")

	key, err := ssh.ParseHostKey(string(gossh.MarshalAuthorizedKey(server.hostKey)))
	require.NoError(t, err)

	client := server.client("secret")
	client.KnownHostKey = key
	require.NoError(t, client.Ping(t.Context()))

	other := newTestServer(t, "secret")
	client.KnownHostKey = other.hostKey
	assert.Error(t, client.Ping(t.Context()))
}

func TestParseHostKey_Invalid(t *testing.T) {
	_, err := ssh.ParseHostKey("ssh-ed25519 not-base64")
	assert.ErrorContains(t, err, "unable to parse host key")
}
