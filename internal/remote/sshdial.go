package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer connects to the single configured compute host.
type SSHDialer struct {
	addr            string
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration
}

// NewSSHDialer creates a dialer verifying the host key against a
// known_hosts file.
func NewSSHDialer(host string, port int, knownHostsPath string, timeout time.Duration) (*SSHDialer, error) {
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return &SSHDialer{
		addr:            net.JoinHostPort(host, strconv.Itoa(port)),
		hostKeyCallback: cb,
		timeout:         timeout,
	}, nil
}

// Addr returns host:port of the backend.
func (d *SSHDialer) Addr() string { return d.addr }

// Dial establishes and authenticates one SSH connection.
func (d *SSHDialer) Dial(ctx context.Context, creds Credentials, hs *Handshake) (Transport, error) {
	banner := make(chan string, 1)
	cfg := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.KeyboardInteractive(hs.Challenge),
			ssh.PasswordCallback(hs.Password),
		},
		HostKeyCallback: d.hostKeyCallback,
		BannerCallback: func(msg string) error {
			select {
			case banner <- msg:
			default:
			}
			return nil
		},
		Timeout: d.timeout,
	}

	nd := net.Dialer{Timeout: d.timeout}
	nc, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, hs.Finish(err, false)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	sc, chans, reqs, err := ssh.NewClientConn(nc, d.addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, hs.Finish(err, isAuthFailure(err))
	}
	_ = nc.SetDeadline(time.Time{})
	_ = hs.Finish(nil, false)

	return &sshTransport{client: ssh.NewClient(sc, chans, reqs), banner: banner}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

type sshTransport struct {
	client *ssh.Client
	banner chan string
}

func (t *sshTransport) StartProcess(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Start(ShellJoin(argv)); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return &sshProcess{sess: sess, stdout: stdout, stderr: stderr}, nil
}

func (t *sshTransport) OpenFiles() (FileClient, error) {
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, err
	}
	return sftpFiles{c: c}, nil
}

func (t *sshTransport) Banner() <-chan string { return t.banner }

func (t *sshTransport) Ping() error {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (t *sshTransport) Close() error { return t.client.Close() }

type sshProcess struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr io.Reader
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() (ExitStatus, error) {
	err := p.sess.Wait()
	if err == nil {
		code := 0
		return ExitStatus{Code: &code}, nil
	}

	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		if sig := ee.Signal(); sig != "" {
			return ExitStatus{Signal: &sig}, nil
		}
		code := ee.ExitStatus()
		return ExitStatus{Code: &code}, nil
	}
	return ExitStatus{}, err
}

func (p *sshProcess) Signal(name string) error {
	return p.sess.Signal(ssh.Signal(name))
}

func (p *sshProcess) Close() error { return p.sess.Close() }
