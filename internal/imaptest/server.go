// Package imaptest provides a scripted in-process IMAP server for tests of
// the hand-rolled client and everything built on it.
package imaptest

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brandon/mailbar/internal/utf7"
)

const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// Message is a stored message
type Message struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Raw          string
}

// NewMessage builds a small text/plain message
func NewMessage(uid uint32, subject string, received time.Time) Message {
	raw := fmt.Sprintf("From: Sender %d <sender%d@example.com>\r\n"+
		"To: me@example.com\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <%d@example.com>\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Body of message %d\r\n",
		uid, uid, subject, received.Format(time.RFC1123Z), uid, uid)
	return Message{UID: uid, InternalDate: received, Raw: raw}
}

func (m Message) header() string {
	if i := strings.Index(m.Raw, "\r\n\r\n"); i >= 0 {
		return m.Raw[:i+4]
	}
	return m.Raw
}

// Server is a scripted IMAP server listening on 127.0.0.1
type Server struct {
	Username string
	Password string
	Token    string
	Greeting string

	ln          net.Listener
	mu          sync.Mutex
	folders     map[string][]Message
	failures    map[string]string
	hangs       map[string]bool
	idleExists  bool
	commands    []string
	connections atomic.Int32
	wg          sync.WaitGroup
}

// NewServer starts a server that is shut down when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		Username: "user@example.com",
		Password: "secret",
		Token:    "token",
		Greeting: "* OK imaptest ready",
		ln:       ln,
		folders:  map[string][]Message{"INBOX": nil},
		failures: map[string]string{},
		hangs:    map[string]bool{},
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

// AddFolder creates an empty folder
func (s *Server) AddFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.folders[name] = nil
	}
}

// AddMessages stores messages in a folder, creating it if needed
func (s *Server) AddMessages(folder string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.folders[folder], msgs...)
	sort.Slice(list, func(i, j int) bool { return list[i].UID < list[j].UID })
	s.folders[folder] = list
}

// Messages returns a copy of a folder's messages
func (s *Server) Messages(folder string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.folders[folder]))
	for i, m := range s.folders[folder] {
		m.Flags = append([]string(nil), m.Flags...)
		out[i] = m
	}
	return out
}

// Fail makes every command with the given verb (e.g. "SELECT" or
// "UID STORE") complete with NO and text.
func (s *Server) Fail(verb, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[verb] = text
}

// Clear undoes Fail and Hang for a verb
func (s *Server) Clear(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, verb)
	delete(s.hangs, verb)
}

// Hang makes commands with the given verb never complete
func (s *Server) Hang(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangs[verb] = true
}

// AnnounceOnIdle makes the next IDLE report a new message
func (s *Server) AnnounceOnIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleExists = true
}

// Commands returns every command line received, without tags
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

// Connections returns the number of accepted connections
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		go s.handle(nc)
	}
}

type session struct {
	s        *Server
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	selected string
}

func (s *Server) handle(nc net.Conn) {
	defer nc.Close()
	ss := &session{s: s, conn: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
	ss.send(s.Greeting)
	if strings.Contains(s.Greeting, "BYE") {
		return
	}

	for {
		line, err := ss.readCommand()
		if err != nil {
			return
		}
		tag, rest, _ := strings.Cut(line, " ")
		if !ss.dispatch(tag, rest) {
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

// readCommand reads a command line, accepting synchronizing literals and
// inlining them as quoted strings.
func (ss *session) readCommand() (string, error) {
	line, err := ss.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	for strings.HasSuffix(line, "}") {
		open := strings.LastIndexByte(line, '{')
		if open < 0 {
			break
		}
		n, err := strconv.Atoi(strings.TrimSuffix(line[open+1:len(line)-1], "+"))
		if err != nil {
			break
		}
		ss.send("+ Ready for literal data")
		buf := make([]byte, n)
		if _, err := io.ReadFull(ss.r, buf); err != nil {
			return "", err
		}
		rest, err := ss.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = line[:open] + quoteString(string(buf)) + strings.TrimRight(rest, "\r\n")
	}
	return line, nil
}

func (ss *session) dispatch(tag, rest string) bool {
	s := ss.s
	verb, args := splitVerb(rest)

	s.mu.Lock()
	s.commands = append(s.commands, rest)
	failText, fail := s.failures[verb]
	hang := s.hangs[verb]
	s.mu.Unlock()

	if hang {
		// swallow the command; the client times out
		return true
	}
	if fail {
		ss.send(tag + " NO " + failText)
		return true
	}

	switch verb {
	case "CAPABILITY":
		ss.send("* CAPABILITY IMAP4rev1 IDLE AUTH=XOAUTH2", tag+" OK CAPABILITY completed")
	case "LOGIN":
		a := parseArgs(args)
		if len(a) == 2 && a[0] == s.Username && a[1] == s.Password {
			ss.send(tag + " OK LOGIN completed")
		} else {
			ss.send(tag + " NO [AUTHENTICATIONFAILED] Invalid credentials")
		}
	case "AUTHENTICATE":
		ss.authenticate(tag, args)
	case "SELECT", "EXAMINE":
		ss.selectFolder(tag, args)
	case "UID SEARCH":
		ss.search(tag, args)
	case "UID FETCH":
		ss.fetch(tag, args)
	case "UID STORE":
		ss.store(tag, args)
	case "EXPUNGE":
		ss.expunge(tag)
	case "LIST":
		ss.list(tag)
	case "NOOP":
		ss.send(tag + " OK NOOP completed")
	case "IDLE":
		ss.idle(tag)
	case "LOGOUT":
		ss.send("* BYE logging out", tag+" OK LOGOUT completed")
		return false
	default:
		ss.send(tag + " BAD unknown command")
	}
	return true
}

func splitVerb(rest string) (string, string) {
	verb, args, _ := strings.Cut(rest, " ")
	verb = strings.ToUpper(verb)
	if verb == "UID" {
		sub, more, _ := strings.Cut(args, " ")
		return "UID " + strings.ToUpper(sub), more
	}
	return verb, args
}

func (ss *session) authenticate(tag, args string) {
	s := ss.s
	mech, ir, _ := strings.Cut(args, " ")
	if !strings.EqualFold(mech, "XOAUTH2") {
		ss.send(tag + " NO unsupported mechanism")
		return
	}
	decoded, _ := base64.StdEncoding.DecodeString(ir)
	want := "user=" + s.Username + "\x01auth=Bearer " + s.Token + "\x01\x01"
	if string(decoded) == want {
		ss.send(tag + " OK AUTHENTICATE completed")
		return
	}
	ss.send("+ " + base64.StdEncoding.EncodeToString([]byte(`{"status":"401"}`)))
	if _, err := ss.r.ReadString('\n'); err != nil {
		return
	}
	ss.send(tag + " NO [AUTHENTICATIONFAILED] Invalid token")
}

func (ss *session) selectFolder(tag, args string) {
	s := ss.s
	a := parseArgs(args)
	if len(a) != 1 {
		ss.send(tag + " BAD missing folder")
		return
	}
	name, err := utf7.Decode(a[0])
	if err != nil {
		ss.send(tag + " BAD invalid folder name")
		return
	}

	s.mu.Lock()
	msgs, ok := s.folders[name]
	var next uint32 = 1
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].UID + 1
	}
	s.mu.Unlock()

	if !ok {
		ss.selected = ""
		ss.send(tag + " NO [NONEXISTENT] Unknown folder")
		return
	}
	ss.selected = name
	ss.send(
		fmt.Sprintf("* %d EXISTS", len(msgs)),
		"* 0 RECENT",
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
		"* OK [UIDVALIDITY 1] UIDs valid",
		fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", next),
		tag+" OK [READ-WRITE] SELECT completed",
	)
}

func (ss *session) folder() []Message {
	return ss.s.folders[ss.selected]
}

func (ss *session) search(tag, args string) {
	s := ss.s
	if ss.selected == "" {
		ss.send(tag + " BAD no folder selected")
		return
	}
	args = strings.TrimPrefix(args, "CHARSET UTF-8 ")

	s.mu.Lock()
	msgs := ss.folder()
	var uids []string
	fields := strings.Fields(args)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], "UID"):
		set := parseSet(fields[1], msgs)
		for _, m := range msgs {
			if set(m.UID) {
				uids = append(uids, strconv.FormatUint(uint64(m.UID), 10))
			}
		}
	case len(fields) == 2 && strings.EqualFold(fields[0], "SINCE"):
		since, err := time.Parse("2-Jan-2006", fields[1])
		for _, m := range msgs {
			if err == nil && !m.InternalDate.Before(since) {
				uids = append(uids, strconv.FormatUint(uint64(m.UID), 10))
			}
		}
	default:
		terms := parseArgs(args)
		or := len(fields) > 0 && strings.EqualFold(fields[0], "OR")
		for _, m := range msgs {
			if matchTerms(m, terms, or) {
				uids = append(uids, strconv.FormatUint(uint64(m.UID), 10))
			}
		}
	}
	s.mu.Unlock()

	line := "* SEARCH"
	if len(uids) > 0 {
		line += " " + strings.Join(uids, " ")
	}
	ss.send(line, tag+" OK SEARCH completed")
}

// matchTerms matches the quoted values of a query against the header. Keys
// are ignored; ALL matches everything.
func matchTerms(m Message, terms []string, or bool) bool {
	var values []string
	for _, t := range terms {
		switch strings.ToUpper(t) {
		case "OR", "FROM", "TO", "SUBJECT", "TEXT", "ALL", "":
			continue
		}
		values = append(values, strings.ToLower(strings.Trim(t, "()")))
	}
	if len(values) == 0 {
		return true
	}
	hay := strings.ToLower(m.Raw)
	for _, v := range values {
		hit := strings.Contains(hay, v)
		if or && hit {
			return true
		}
		if !or && !hit {
			return false
		}
	}
	return !or
}

func (ss *session) fetch(tag, args string) {
	s := ss.s
	if ss.selected == "" {
		ss.send(tag + " BAD no folder selected")
		return
	}
	setSpec, items, _ := strings.Cut(args, " ")
	full := strings.Contains(strings.ToUpper(items), "BODY.PEEK[]")

	s.mu.Lock()
	msgs := ss.folder()
	set := parseSet(setSpec, msgs)
	var lines []string
	for i, m := range msgs {
		if !set(m.UID) {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "* %d FETCH (UID %d", i+1, m.UID)
		if full {
			fmt.Fprintf(&b, " BODY[] {%d}\r\n%s)", len(m.Raw), m.Raw)
		} else {
			h := m.header()
			fmt.Fprintf(&b, " FLAGS (%s) INTERNALDATE %q BODY[HEADER.FIELDS (SUBJECT FROM)] {%d}\r\n%s)",
				strings.Join(m.Flags, " "), m.InternalDate.Format(internalDateLayout), len(h), h)
		}
		lines = append(lines, b.String())
	}
	s.mu.Unlock()

	lines = append(lines, tag+" OK FETCH completed")
	ss.send(lines...)
}

func (ss *session) store(tag, args string) {
	s := ss.s
	if ss.selected == "" {
		ss.send(tag + " BAD no folder selected")
		return
	}
	fields := strings.SplitN(args, " ", 3)
	if len(fields) != 3 {
		ss.send(tag + " BAD invalid STORE")
		return
	}
	flags := strings.Fields(strings.Trim(fields[2], "()"))
	add := strings.HasPrefix(fields[1], "+")

	s.mu.Lock()
	msgs := ss.folder()
	set := parseSet(fields[0], msgs)
	var lines []string
	for i := range msgs {
		if !set(msgs[i].UID) {
			continue
		}
		msgs[i].Flags = applyFlags(msgs[i].Flags, flags, add)
		lines = append(lines, fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s))", i+1, msgs[i].UID, strings.Join(msgs[i].Flags, " ")))
	}
	s.mu.Unlock()

	lines = append(lines, tag+" OK STORE completed")
	ss.send(lines...)
}

func applyFlags(current, flags []string, add bool) []string {
	out := current[:0:0]
	for _, f := range current {
		keep := true
		for _, g := range flags {
			if f == g {
				keep = false
			}
		}
		if keep {
			out = append(out, f)
		}
	}
	if add {
		out = append(out, flags...)
	}
	return out
}

func (ss *session) expunge(tag string) {
	s := ss.s
	s.mu.Lock()
	msgs := ss.folder()
	var kept []Message
	var lines []string
	removed := 0
	for i, m := range msgs {
		deleted := false
		for _, f := range m.Flags {
			if f == `\Deleted` {
				deleted = true
			}
		}
		if deleted {
			lines = append(lines, fmt.Sprintf("* %d EXPUNGE", i+1-removed))
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.folders[ss.selected] = kept
	s.mu.Unlock()

	lines = append(lines, tag+" OK EXPUNGE completed")
	ss.send(lines...)
}

func (ss *session) list(tag string) {
	s := ss.s
	s.mu.Lock()
	names := make([]string, 0, len(s.folders))
	for name := range s.folders {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf(`* LIST (\HasNoChildren) "/" %s`, quoteString(utf7.Encode(name))))
	}
	lines = append(lines, tag+" OK LIST completed")
	ss.send(lines...)
}

func (ss *session) idle(tag string) {
	s := ss.s
	ss.send("+ idling")

	s.mu.Lock()
	announce := s.idleExists
	s.idleExists = false
	count := len(ss.folder())
	s.mu.Unlock()

	if announce {
		ss.send(fmt.Sprintf("* %d EXISTS", count+1))
	}
	line, err := ss.r.ReadString('\n')
	if err != nil {
		return
	}
	if strings.TrimSpace(strings.ToUpper(line)) != "DONE" {
		ss.send(tag + " BAD expected DONE")
		return
	}
	ss.send(tag + " OK IDLE terminated")
}

// parseSet returns a matcher for a UID set like "1:5,9,12:*". As in real
// servers, "n:*" always includes the highest UID.
func parseSet(spec string, msgs []Message) func(uint32) bool {
	var highest uint32
	if len(msgs) > 0 {
		highest = msgs[len(msgs)-1].UID
	}
	type span struct{ lo, hi uint32 }
	var spans []span
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		a := parseSeqNum(lo, highest)
		b := a
		if isRange {
			b = parseSeqNum(hi, highest)
		}
		if a > b {
			a, b = b, a
		}
		spans = append(spans, span{a, b})
	}
	return func(uid uint32) bool {
		for _, s := range spans {
			if uid >= s.lo && uid <= s.hi {
				return true
			}
		}
		return false
	}
}

func parseSeqNum(s string, highest uint32) uint32 {
	if s == "*" {
		return highest
	}
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}

// parseArgs splits command arguments, unquoting quoted strings
func parseArgs(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '"':
			quoted = !quoted
			inArg = true
		case c == ' ' && !quoted:
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteByte(c)
			inArg = true
		}
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out
}

func quoteString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
