// Package backendtest provides an in-memory mail server implementing the
// backend contract, with failure injection for tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrConnectionLost is the cause of injected transport failures
var ErrConnectionLost = errors.New("connection reset by peer")

type folder struct {
	attrs    []string
	validity uint32
	uidNext  uint32
	messages map[uint32]*types.Email
}

// Server is a fake mailbox. All methods are safe for concurrent use.
type Server struct {
	mu sync.Mutex

	folders map[string]*folder
	order   []string

	connected     bool
	authenticated bool
	password      string
	token         string

	failures  map[string][]error
	calls     map[string]int
	submitted []*backend.Outgoing
	fetched   [][]uint32
	block     chan struct{}
}

var (
	_ backend.Backend   = (*Server)(nil)
	_ backend.Submitter = (*Server)(nil)
)

// NewServer creates a server with an empty INBOX
func NewServer() *Server {
	s := &Server{
		folders:  make(map[string]*folder),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	s.AddFolder("INBOX", 1)
	return s
}

// AddFolder creates a folder with the given UIDVALIDITY and attributes
func (s *Server) AddFolder(name string, validity uint32, attrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.order = append(s.order, name)
	}
	s.folders[name] = &folder{attrs: attrs, validity: validity, uidNext: 1, messages: make(map[uint32]*types.Email)}
}

// RemoveFolder deletes a folder
func (s *Server) RemoveFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Append adds a message and returns its UID
func (s *Server) Append(name string, msg *types.Email) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	return f.append(msg)
}

// AppendAt adds a message under a specific UID, moving UIDNEXT past it
func (s *Server) AppendAt(name string, uid uint32, msg *types.Email) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	cp := *msg
	cp.UID = uid
	cp.Flags = types.NormalizeFlags(msg.Flags)
	f.messages[uid] = &cp
	if uid >= f.uidNext {
		f.uidNext = uid + 1
	}
}

func (f *folder) append(msg *types.Email) uint32 {
	cp := *msg
	cp.UID = f.uidNext
	cp.Flags = types.NormalizeFlags(msg.Flags)
	f.messages[cp.UID] = &cp
	f.uidNext++
	return cp.UID
}

// Expunge removes a message
func (s *Server) Expunge(name string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mustFolder(name).messages, uid)
}

// SetFlags replaces a message's flags from the server side
func (s *Server) SetFlags(name string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mustFolder(name).messages[uid]; ok {
		m.Flags = types.NormalizeFlags(flags)
	}
}

// Flags returns a message's flags and whether it exists
func (s *Server) Flags(name string, uid uint32) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return nil, false
	}
	m, ok := f.messages[uid]
	if !ok {
		return nil, false
	}
	return append([]string(nil), m.Flags...), true
}

// UIDs returns a folder's UIDs in ascending order
func (s *Server) UIDs(name string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUIDs(s.mustFolder(name).messages)
}

// Renumber changes UIDVALIDITY and reassigns every message a fresh UID
// starting at 1, as servers do after a mailbox rebuild.
func (s *Server) Renumber(name string, validity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	old := f.messages
	f.validity = validity
	f.uidNext = 1
	f.messages = make(map[uint32]*types.Email)
	for _, uid := range sortedUIDs(old) {
		f.append(old[uid])
	}
}

// SetPassword makes Authenticate require this password for plain and login
func (s *Server) SetPassword(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = p
}

// SetToken makes Authenticate require this bearer token for OAuth2
func (s *Server) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// FailNext makes the next call of op return err. Calls queue up; op is
// the Backend method name, e.g. "Connect" or "StoreFlags".
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Block makes SelectFolder wait until the returned func is called or the
// context ends.
func (s *Server) Block() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			s.mu.Lock()
			s.block = nil
			s.mu.Unlock()
		})
	}
}

// Calls returns how many times op was invoked
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Submitted returns the messages accepted by Submit
func (s *Server) Submitted() []*backend.Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*backend.Outgoing(nil), s.submitted...)
}

// Fetched returns the UID sets requested by FetchMessages, in call order
func (s *Server) Fetched() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]uint32(nil), s.fetched...)
}

// Connected reports whether a connection is open
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Server) mustFolder(name string) *folder {
	f, ok := s.folders[name]
	if !ok {
		panic(fmt.Sprintf("backendtest: no folder %q", name))
	}
	return f
}

// enter records a call and pops an injected failure. The lock is held on
// return when err is nil.
func (s *Server) enter(ctx context.Context, op string, needAuth bool) error {
	if err := ctx.Err(); err != nil {
		return mailerr.Transport(op, err)
	}
	s.mu.Lock()
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		err := q[0]
		s.failures[op] = q[1:]
		if mailerr.IsTransport(err) {
			s.connected = false
			s.authenticated = false
		}
		s.mu.Unlock()
		return err
	}
	if op != "Connect" && !s.connected {
		s.mu.Unlock()
		return mailerr.Transport(op, errors.New("not connected"))
	}
	if needAuth && !s.authenticated {
		s.mu.Unlock()
		return mailerr.Protocol(op, errors.New("not authenticated"))
	}
	return nil
}

func (s *Server) Connect(ctx context.Context) error {
	if err := s.enter(ctx, "Connect", false); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.connected = true
	s.authenticated = false
	return nil
}

func (s *Server) Authenticate(ctx context.Context, cred auth.Credential) error {
	if err := s.enter(ctx, "Authenticate", false); err != nil {
		return err
	}
	defer s.mu.Unlock()
	switch {
	case cred.Method == "oauth2" && s.token != "" && cred.AccessToken != s.token:
		return &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: errors.New("invalid bearer token")}
	case cred.Method != "oauth2" && s.password != "" && cred.Password != s.password:
		return &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: errors.New("authentication failed")}
	}
	s.authenticated = true
	return nil
}

func (s *Server) ListFolders(ctx context.Context) ([]folders.Listed, error) {
	if err := s.enter(ctx, "ListFolders", true); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]folders.Listed, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, folders.Listed{Name: name, Attributes: append([]string(nil), s.folders[name].attrs...)})
	}
	return out, nil
}

func (s *Server) SelectFolder(ctx context.Context, name string) (*backend.FolderStatus, error) {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, mailerr.Transport("select", ctx.Err())
		}
	}

	if err := s.enter(ctx, "SelectFolder", true); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return nil, mailerr.Protocol("select", fmt.Errorf("mailbox %q does not exist", name))
	}
	return &backend.FolderStatus{UIDValidity: f.validity, UIDNext: f.uidNext, Messages: len(f.messages)}, nil
}

func (s *Server) folder(name string) (*folder, error) {
	f, ok := s.folders[name]
	if !ok {
		return nil, mailerr.Protocol("select", fmt.Errorf("mailbox %q does not exist", name))
	}
	return f, nil
}

func (s *Server) ListUIDs(ctx context.Context, name string) (map[uint32][]string, error) {
	if err := s.enter(ctx, "ListUIDs", true); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]string, len(f.messages))
	for uid, m := range f.messages {
		out[uid] = append([]string(nil), m.Flags...)
	}
	return out, nil
}

func (s *Server) FetchMessages(ctx context.Context, name string, uids []uint32, withBody bool) ([]*types.Email, error) {
	if err := s.enter(ctx, "FetchMessages", true); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	s.fetched = append(s.fetched, append([]uint32(nil), uids...))

	var out []*types.Email
	for _, uid := range uids {
		m, ok := f.messages[uid]
		if !ok {
			continue
		}
		out = append(out, copyMessage(m, withBody))
	}
	return out, nil
}

func (s *Server) FetchBody(ctx context.Context, name string, uid uint32) (*types.Email, error) {
	if err := s.enter(ctx, "FetchBody", true); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	m, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d: %w", uid, mailerr.ErrMessageGone)
	}
	return copyMessage(m, true), nil
}

func (s *Server) StoreFlags(ctx context.Context, name string, uid uint32, add, remove []string) error {
	if err := s.enter(ctx, "StoreFlags", true); err != nil {
		return err
	}
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	m, ok := f.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d: %w", uid, mailerr.ErrMessageGone)
	}
	m.Flags = types.ApplyFlagDelta(m.Flags, add, remove)
	return nil
}

func (s *Server) Move(ctx context.Context, name string, uid uint32, destination string) error {
	if err := s.enter(ctx, "Move", true); err != nil {
		return err
	}
	defer s.mu.Unlock()
	src, err := s.folder(name)
	if err != nil {
		return err
	}
	dst, err := s.folder(destination)
	if err != nil {
		return err
	}
	m, ok := src.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d: %w", uid, mailerr.ErrMessageGone)
	}
	delete(src.messages, uid)
	dst.append(m)
	return nil
}

func (s *Server) Delete(ctx context.Context, name string, uid uint32) error {
	if err := s.enter(ctx, "Delete", true); err != nil {
		return err
	}
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	if _, ok := f.messages[uid]; !ok {
		return fmt.Errorf("uid %d: %w", uid, mailerr.ErrMessageGone)
	}
	delete(f.messages, uid)
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Close"]++
	s.connected = false
	s.authenticated = false
	return nil
}

func (s *Server) Submit(ctx context.Context, cred auth.Credential, msg *backend.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return mailerr.Transport("submit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Submit"]++
	if q := s.failures["Submit"]; len(q) > 0 {
		s.failures["Submit"] = q[1:]
		return q[0]
	}
	cp := *msg
	s.submitted = append(s.submitted, &cp)
	return nil
}

// Message builds a test message
func Message(subject string, flags ...string) *types.Email {
	return &types.Email{
		MessageID: "<" + subject + "@example.com>",
		Subject:   subject,
		From:      types.Address{Name: "Sender", Email: "sender@example.com"},
		To:        []types.Address{{Email: "me@example.com"}},
		Date:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Flags:     flags,
		Size:      512,
		BodyText:  "body of " + subject,
	}
}

// TransportFailure is an injectable broken-connection error
func TransportFailure(op string) error {
	return mailerr.Transport(op, ErrConnectionLost)
}

func copyMessage(m *types.Email, withBody bool) *types.Email {
	cp := *m
	cp.Flags = append([]string(nil), m.Flags...)
	cp.HasBody = withBody
	if !withBody {
		cp.BodyText = ""
		cp.BodyHTML = ""
	}
	return &cp
}

func sortedUIDs(m map[uint32]*types.Email) []uint32 {
	out := make([]uint32, 0, len(m))
	for uid := range m {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
