// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/execcontext"
)

const DefaultDialTimeout = 10 * time.Second

var errNoAuthMethod = errors.New("ssh: either a private key or a password is required")

// Client runs commands on an agent machine over SSH.
type Client struct {
	Host       string
	Port       string
	User       string
	PrivateKey []byte
	Password   string
	// KnownHostKey pins the host key. When nil, any host key is accepted.
	KnownHostKey ssh.PublicKey
	DialTimeout  time.Duration
}

// ParseHostKey parses a host key in authorized_keys format, e.g. "ssh-ed25519 AAAA...".
func ParseHostKey(authorizedKey string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return nil, fmt.Errorf("unable to parse host key: %w", err)
	}

	return key, nil
}

// NewClient creates a new SSH client authenticating with the private key at privateKeyPath.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	if _, err := ssh.ParsePrivateKey(key); err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &Client{
		Host:       host,
		Port:       port,
		User:       user,
		PrivateKey: key,
	}, nil
}

func (c *Client) Run(
	ctx context.Context,
	ec execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(execcontext.FormatCmd(ec, cmd...)) }()

	select {
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("remote command failed: %w", err)
		}
	case <-ctx.Done():
		runFuncAndLogErr(conn.Close)
		<-done

		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// Ping opens and closes a connection to verify the SSH server accepts the credentials.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	return conn.Close()
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	if len(auth) == 0 {
		return nil, errNoAuthMethod
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if c.KnownHostKey != nil {
		hostKeyCallback = ssh.FixedHostKey(c.KnownHostKey)
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.config()
	if err != nil {
		return nil, err
	}

	addr := c.Addr()

	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
