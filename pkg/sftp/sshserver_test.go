package sftp

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testPassword = "secret"

// sshServer is an in-process SSH server offering the sftp subsystem over the
// local filesystem. Command execution is always refused. With stall set it
// never answers session requests, so the subsystem never starts.
type sshServer struct {
	ln      net.Listener
	config  *ssh.ServerConfig
	hostKey ssh.PublicKey
	stall   bool
}

func newSSHServer(t *testing.T, stall bool) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshServer{ln: ln, config: config, hostKey: signer.PublicKey(), stall: stall}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *sshServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sshServer) authorizedHostKey() string {
	return string(ssh.MarshalAuthorizedKey(s.hostKey))
}

func (s *sshServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			return
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if s.stall {
			continue
		}
		if req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		}
		_ = req.Reply(false, nil)
	}
}
