// Package redisstub is an in-process RESP server for tests. It implements
// just enough of Redis for the notification stream, the sweep lease and the
// room creation throttle.
package redisstub

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"liveroom/internal/testsupport/tlstest"
)

// Options configures the stub. Password enables AUTH; EnableTLS serves
// over a self-signed certificate exposed through CertPEM.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is a running stub.
type Server struct {
	opts     Options
	listener net.Listener
	certPEM  []byte

	mu      sync.Mutex
	streams map[string]*stream
	keys    map[string]*entry
	seq     int64

	closeOnce sync.Once
	done      chan struct{}
}

type stream struct {
	records []record
	groups  map[string]*group
}

type record struct {
	id     string
	fields []any
}

type group struct {
	cursor  int
	pending map[string]struct{}
}

type entry struct {
	counter  int64
	text     string
	isText   bool
	expireAt time.Time
}

// RESP reply kinds. Plain strings are bulk strings and nil is the null bulk.
type (
	status  string
	respErr string
)

type session struct {
	r      *bufio.Reader
	w      *bufio.Writer
	authed bool
}

type handler func(s *Server, sess *session, args []string) any

var commands map[string]handler

func init() {
	commands = map[string]handler{
		"PING":       func(*Server, *session, []string) any { return status("PONG") },
		"SELECT":     func(*Server, *session, []string) any { return status("OK") },
		"HELLO":      func(*Server, *session, []string) any { return respErr("ERR unknown command 'HELLO'") },
		"AUTH":       (*Server).auth,
		"XADD":       (*Server).xadd,
		"XGROUP":     (*Server).xgroup,
		"XREADGROUP": (*Server).xreadgroup,
		"XACK":       (*Server).xack,
		"XLEN":       (*Server).xlen,
		"INCR":       (*Server).incr,
		"EXPIRE":     (*Server).expire,
		"PEXPIRE":    (*Server).expire,
		"TTL":        (*Server).ttl,
		"PTTL":       (*Server).ttl,
		"SET":        (*Server).set,
		"GET":        (*Server).get,
		"DEL":        (*Server).del,
	}
}

// preAuth lists the commands a client may send before AUTH.
var preAuth = map[string]bool{"PING": true, "AUTH": true, "SELECT": true, "HELLO": true}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	srv := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		keys:    make(map[string]*entry),
		done:    make(chan struct{}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.EnableTLS {
		pair, err := tlstest.SelfSigned()
		if err != nil {
			ln.Close()
			return nil, err
		}
		cert, err := pair.Certificate()
		if err != nil {
			ln.Close()
			return nil, err
		}
		srv.certPEM = pair.CertPEM
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	srv.listener = ln
	go srv.accept()
	return srv, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte { return s.certPEM }

func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.listener.Close()
	})
	return nil
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.serve(conn)
	}
}

// serve answers commands until the client goes away. Command errors are
// replied and the connection stays open, as real Redis does; go-redis
// relies on that during its HELLO handshake.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	sess := &session{
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		authed: s.opts.Password == "",
	}
	for {
		args, err := readCommand(sess.r)
		if err != nil {
			return
		}
		var reply any
		switch {
		case len(args) == 0:
			reply = respErr("ERR empty command")
		case !sess.authed && !preAuth[strings.ToUpper(args[0])]:
			reply = respErr("NOAUTH Authentication required.")
		default:
			if fn, ok := commands[strings.ToUpper(args[0])]; ok {
				reply = fn(s, sess, args)
			} else {
				reply = respErr(fmt.Sprintf("ERR unknown command '%s'", args[0]))
			}
		}
		if err := encode(sess.w, reply); err != nil {
			return
		}
		if err := sess.w.Flush(); err != nil {
			return
		}
	}
}

func arity(name string) respErr {
	return respErr(fmt.Sprintf("ERR wrong number of arguments for '%s'", strings.ToLower(name)))
}

func (s *Server) auth(sess *session, args []string) any {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return arity("auth")
	}
	if s.opts.Password != "" && password != s.opts.Password {
		return respErr("WRONGPASS invalid username-password pair")
	}
	sess.authed = true
	return status("OK")
}

// xadd supports XADD key [NOMKSTREAM] [MAXLEN [~|=] n] id field value ...
func (s *Server) xadd(_ *session, args []string) any {
	if len(args) < 5 {
		return arity("xadd")
	}
	key, rest := args[1], args[2:]
	maxLen := -1
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "NOMKSTREAM":
			rest = rest[1:]
			continue
		case "MAXLEN":
			rest = rest[1:]
			if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return respErr("ERR syntax error")
			}
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return respErr("ERR invalid MAXLEN")
			}
			maxLen, rest = n, rest[1:]
			continue
		}
		break
	}
	if len(rest) < 3 || len(rest)%2 != 1 {
		return arity("xadd")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(key)
	id := rest[0]
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	fields := make([]any, 0, len(rest)-1)
	for _, field := range rest[1:] {
		fields = append(fields, field)
	}
	st.records = append(st.records, record{id: id, fields: fields})
	if maxLen >= 0 && len(st.records) > maxLen {
		trimmed := len(st.records) - maxLen
		st.records = st.records[trimmed:]
		for _, g := range st.groups {
			g.cursor = max(g.cursor-trimmed, 0)
		}
	}
	return id
}

func (s *Server) xgroup(_ *session, args []string) any {
	if len(args) < 4 {
		return arity("xgroup")
	}
	key, name := args[2], args[3]
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[1]) {
	case "CREATE":
		if len(args) < 5 {
			return arity("xgroup")
		}
		st := s.streamLocked(key)
		if _, exists := st.groups[name]; exists {
			return respErr("BUSYGROUP Consumer Group name already exists")
		}
		g := &group{pending: make(map[string]struct{})}
		if args[4] == "$" {
			g.cursor = len(st.records)
		}
		st.groups[name] = g
		return status("OK")
	case "DESTROY":
		if st, ok := s.streams[key]; ok {
			if _, exists := st.groups[name]; exists {
				delete(st.groups, name)
				return int64(1)
			}
		}
		return int64(0)
	default:
		return respErr("ERR only CREATE and DESTROY supported")
	}
}

// xreadgroup serves new entries (">") for a single stream. BLOCK polls.
func (s *Server) xreadgroup(_ *session, args []string) any {
	var name, key string
	count, block := 1, 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return respErr("ERR syntax error")
			}
			name = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return respErr("ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return respErr("ERR value is not an integer")
			}
			if strings.ToUpper(args[i]) == "COUNT" {
				count = n
			} else {
				block = n
			}
			i++
		case "STREAMS":
			if i+1 < len(args) {
				key = args[i+1]
			}
			i = len(args)
		}
	}
	if name == "" || key == "" {
		return respErr("ERR missing stream or group")
	}

	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	for {
		if batch := s.deliver(key, name, count); batch != nil {
			return []any{[]any{key, batch}}
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-s.done:
			return nil
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *Server) deliver(key, name string, count int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(key)
	g, ok := st.groups[name]
	if !ok {
		g = &group{pending: make(map[string]struct{})}
		st.groups[name] = g
	}
	if g.cursor >= len(st.records) {
		return nil
	}
	end := min(g.cursor+max(count, 1), len(st.records))
	batch := make([]any, 0, end-g.cursor)
	for _, rec := range st.records[g.cursor:end] {
		g.pending[rec.id] = struct{}{}
		batch = append(batch, []any{rec.id, rec.fields})
	}
	g.cursor = end
	return batch
}

func (s *Server) xack(_ *session, args []string) any {
	if len(args) < 4 {
		return arity("xack")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[args[1]]
	if !ok {
		return int64(0)
	}
	g, ok := st.groups[args[2]]
	if !ok {
		return int64(0)
	}
	var acked int64
	for _, id := range args[3:] {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) xlen(_ *session, args []string) any {
	if len(args) != 2 {
		return arity("xlen")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[args[1]]; ok {
		return int64(len(st.records))
	}
	return int64(0)
}

func (s *Server) incr(_ *session, args []string) any {
	if len(args) != 2 {
		return arity("incr")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(args[1])
	if e == nil {
		e = &entry{}
		s.keys[args[1]] = e
	}
	if e.isText {
		return respErr("ERR value is not an integer or out of range")
	}
	e.counter++
	return e.counter
}

func (s *Server) expire(_ *session, args []string) any {
	if len(args) < 3 {
		return arity(args[0])
	}
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return respErr("ERR value is not an integer or out of range")
	}
	unit := time.Second
	if strings.EqualFold(args[0], "PEXPIRE") {
		unit = time.Millisecond
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(args[1])
	if e == nil {
		return int64(0)
	}
	e.expireAt = time.Now().Add(time.Duration(amount) * unit)
	return int64(1)
}

func (s *Server) ttl(_ *session, args []string) any {
	if len(args) != 2 {
		return arity(args[0])
	}
	unit := time.Second
	if strings.EqualFold(args[0], "PTTL") {
		unit = time.Millisecond
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(args[1])
	switch {
	case e == nil:
		return int64(-2)
	case e.expireAt.IsZero():
		return int64(-1)
	default:
		return int64(time.Until(e.expireAt) / unit)
	}
}

// set supports SET key value [NX] [PX ms | EX s].
func (s *Server) set(_ *session, args []string) any {
	if len(args) < 3 {
		return arity("set")
	}
	nx := false
	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		opt := strings.ToUpper(args[i])
		switch opt {
		case "NX":
			nx = true
		case "PX", "EX":
			if i+1 >= len(args) {
				return respErr("ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return respErr("ERR invalid expire time in 'set' command")
			}
			ttl = time.Duration(n) * time.Millisecond
			if opt == "EX" {
				ttl = time.Duration(n) * time.Second
			}
			i++
		default:
			return respErr("ERR syntax error")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nx && s.liveLocked(args[1]) != nil {
		return nil
	}
	e := &entry{text: args[2], isText: true}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.keys[args[1]] = e
	return status("OK")
}

func (s *Server) get(_ *session, args []string) any {
	if len(args) != 2 {
		return arity("get")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(args[1])
	switch {
	case e == nil:
		return nil
	case e.isText:
		return e.text
	default:
		return strconv.FormatInt(e.counter, 10)
	}
}

func (s *Server) del(_ *session, args []string) any {
	if len(args) < 2 {
		return arity("del")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range args[1:] {
		if s.liveLocked(key) != nil {
			delete(s.keys, key)
			removed++
		}
	}
	return removed
}

func (s *Server) streamLocked(key string) *stream {
	st, ok := s.streams[key]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[key] = st
	}
	return st
}

// liveLocked returns the entry for key, dropping it when expired.
func (s *Server) liveLocked(key string) *entry {
	e := s.keys[key]
	if e != nil && !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(s.keys, key)
		return nil
	}
	return e
}

func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, want byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != want {
		return 0, errors.New("redisstub: malformed request")
	}
	return strconv.Atoi(line[1:])
}

func encode(w *bufio.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case nil:
		_, err = w.WriteString("$-1\r\n")
	case status:
		_, err = fmt.Fprintf(w, "+%s\r\n", v)
	case respErr:
		_, err = fmt.Fprintf(w, "-%s\r\n", v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = encode(w, item); err != nil {
				return err
			}
		}
	default:
		err = fmt.Errorf("redisstub: cannot encode %T", v)
	}
	return err
}
