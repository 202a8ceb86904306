// Package smtptest provides a scripted in-process SMTP submission server.
package smtptest

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
)

// Envelope is one accepted mail transaction
type Envelope struct {
	From string
	To   []string
	Data string
}

// Server is a scripted SMTP server listening on 127.0.0.1
type Server struct {
	Username string
	Password string
	Token    string
	// AuthMechanisms is advertised in the EHLO reply
	AuthMechanisms []string
	// RejectPlain makes AUTH PLAIN fail with 504
	RejectPlain bool

	ln        net.Listener
	mu        sync.Mutex
	rejected  map[string]bool
	commands  []string
	envelopes []Envelope
	wg        sync.WaitGroup
}

// NewServer starts a server that is shut down when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &Server{
		Username:       "user@example.com",
		Password:       "secret",
		Token:          "token",
		AuthMechanisms: []string{"PLAIN", "LOGIN", "XOAUTH2"},
		ln:             ln,
		rejected:       map[string]bool{},
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening host and port
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close stops accepting connections
func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// RejectRecipient makes RCPT TO for addr fail with 550
func (s *Server) RejectRecipient(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[strings.ToLower(addr)] = true
}

// Commands returns every command line received. AUTH payloads are kept.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandsWithPrefix filters Commands
func (s *Server) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Envelopes returns the accepted transactions
func (s *Server) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envelopes...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

type session struct {
	s    *Server
	r    *bufio.Reader
	w    *bufio.Writer
	env  *Envelope
	auth bool
}

func (s *Server) handle(nc net.Conn) {
	defer nc.Close()
	ss := &session{s: s, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
	ss.send("220 smtptest ESMTP ready")
	for {
		line, err := ss.readLine()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()
		if !ss.dispatch(line) {
			return
		}
	}
}

func (ss *session) send(lines ...string) {
	for _, l := range lines {
		ss.w.WriteString(l + "\r\n")
	}
	ss.w.Flush()
}

func (ss *session) readLine() (string, error) {
	line, err := ss.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (ss *session) readBase64() (string, bool) {
	line, err := ss.readLine()
	if err != nil {
		return "", false
	}
	b, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (ss *session) dispatch(line string) bool {
	verb, args, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "EHLO", "HELO":
		reply := []string{"250-smtptest greets " + args, "250-8BITMIME"}
		if len(ss.s.AuthMechanisms) > 0 {
			reply = append(reply, "250-AUTH "+strings.Join(ss.s.AuthMechanisms, " "))
		}
		ss.send(append(reply, "250 SIZE 10240000")...)
	case "AUTH":
		ss.authenticate(args)
	case "MAIL":
		if !ss.auth {
			ss.send("530 5.7.0 Authentication required")
			return true
		}
		ss.env = &Envelope{From: addrArg(args)}
		ss.send("250 2.1.0 Ok")
	case "RCPT":
		if ss.env == nil {
			ss.send("503 5.5.1 Need MAIL first")
			return true
		}
		addr := addrArg(args)
		ss.s.mu.Lock()
		rejected := ss.s.rejected[strings.ToLower(addr)]
		ss.s.mu.Unlock()
		if rejected {
			ss.send("550 5.1.1 No such user")
			return true
		}
		ss.env.To = append(ss.env.To, addr)
		ss.send("250 2.1.5 Ok")
	case "DATA":
		if ss.env == nil || len(ss.env.To) == 0 {
			ss.send("503 5.5.1 Need RCPT first")
			return true
		}
		ss.send("354 End data with <CR><LF>.<CR><LF>")
		var b strings.Builder
		for {
			l, err := ss.readLine()
			if err != nil {
				return false
			}
			if l == "." {
				break
			}
			b.WriteString(strings.TrimPrefix(l, ".") + "\r\n")
		}
		ss.env.Data = b.String()
		ss.s.mu.Lock()
		ss.s.envelopes = append(ss.s.envelopes, *ss.env)
		ss.s.mu.Unlock()
		ss.env = nil
		ss.send("250 2.0.0 Ok: queued")
	case "RSET":
		ss.env = nil
		ss.send("250 2.0.0 Ok")
	case "NOOP":
		ss.send("250 2.0.0 Ok")
	case "QUIT":
		ss.send("221 2.0.0 Bye")
		return false
	default:
		ss.send("502 5.5.2 Command not recognized")
	}
	return true
}

func (ss *session) authenticate(args string) {
	mech, ir, _ := strings.Cut(args, " ")
	s := ss.s
	switch strings.ToUpper(mech) {
	case "PLAIN":
		if s.RejectPlain {
			ss.send("504 5.5.4 Unrecognized authentication type")
			return
		}
		b, err := base64.StdEncoding.DecodeString(ir)
		parts := strings.Split(string(b), "\x00")
		if err != nil || len(parts) != 3 {
			ss.send("501 5.5.2 Cannot decode response")
			return
		}
		ss.finishAuth(parts[1] == s.Username && parts[2] == s.Password)
	case "LOGIN":
		user := ""
		if ir != "" {
			b, err := base64.StdEncoding.DecodeString(ir)
			if err != nil {
				ss.send("501 5.5.2 Cannot decode response")
				return
			}
			user = string(b)
		} else {
			ss.send("334 VXNlcm5hbWU6")
			var ok bool
			if user, ok = ss.readBase64(); !ok {
				ss.send("501 5.5.2 Cannot decode response")
				return
			}
		}
		ss.send("334 UGFzc3dvcmQ6")
		pass, ok := ss.readBase64()
		if !ok {
			ss.send("501 5.5.2 Cannot decode response")
			return
		}
		ss.finishAuth(user == s.Username && pass == s.Password)
	case "XOAUTH2":
		b, _ := base64.StdEncoding.DecodeString(ir)
		if string(b) == "user="+s.Username+"\x01auth=Bearer "+s.Token+"\x01\x01" {
			ss.finishAuth(true)
			return
		}
		ss.send("334 eyJzdGF0dXMiOiI0MDEifQ==")
		_, _ = ss.readLine()
		ss.finishAuth(false)
	default:
		ss.send("504 5.5.4 Unrecognized authentication type")
	}
}

func (ss *session) finishAuth(ok bool) {
	if ok {
		ss.auth = true
		ss.send("235 2.7.0 Authentication successful")
		return
	}
	ss.send("535 5.7.8 Authentication credentials invalid")
}

// addrArg extracts the address from "FROM:<a@b>" style arguments
func addrArg(args string) string {
	start := strings.IndexByte(args, '<')
	end := strings.LastIndexByte(args, '>')
	if start < 0 || end < start {
		_, v, _ := strings.Cut(args, ":")
		return strings.TrimSpace(v)
	}
	return args[start+1 : end]
}
