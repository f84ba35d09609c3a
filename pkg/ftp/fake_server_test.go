package ftp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stallServer is a minimal FTP server that logs anyone in and opens data
// connections for RETR and STOR without ever moving a byte on them.
type stallServer struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newStallServer(t *testing.T) *stallServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &stallServer{ln: ln}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *stallServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *stallServer) track(c net.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *stallServer) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *stallServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.track(conn)
		go s.handle(conn)
	}
}

func (s *stallServer) handle(conn net.Conn) {
	reply := func(format string, args ...interface{}) {
		fmt.Fprintf(conn, format+"\r\n", args...)
	}
	reply("220 ready")

	var data net.Listener
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			reply("331 password please")
		case "PASS":
			reply("230 logged in")
		case "TYPE":
			reply("200 ok")
		case "SIZE":
			reply("550 no size")
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 no data port")
				continue
			}
			port := data.Addr().(*net.TCPAddr).Port
			go func(ln net.Listener) {
				defer ln.Close()
				if dc, err := ln.Accept(); err == nil {
					s.track(dc)
				}
			}(data)
			reply("229 Entering Extended Passive Mode (|||%d|)", port)
		case "RETR", "STOR":
			reply("150 opening data connection")
		case "DELE":
			reply("250 deleted")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}
