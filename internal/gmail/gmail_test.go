package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/cache/cachetest"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
	syncer "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

type fakeMessage struct {
	labels []string
	raw    string
}

// fakeGmail serves the subset of the Gmail API the backend uses
type fakeGmail struct {
	mu       sync.Mutex
	token    string
	order    []string // newest first
	messages map[string]*fakeMessage
	sent     []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{token: "good", messages: make(map[string]*fakeMessage)}
}

func (f *fakeGmail) add(id, raw string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append([]string{id}, f.order...)
	f.messages[id] = &fakeMessage{labels: labels, raw: raw}
}

func (f *fakeGmail) relabel(id string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id].labels = labels
}

func (f *fakeGmail) labelsOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.messages[id].labels...)
	sort.Strings(out)
	return out
}

func (f *fakeGmail) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func apiError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"error": map[string]interface{}{"code": code, "message": msg},
	})
}

func hasAll(labels, want []string) bool {
	for _, w := range want {
		found := false
		for _, l := range labels {
			if l == w {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()
	const base = "/gmail/v1/users/me"

	mux.HandleFunc("GET "+base+"/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"emailAddress": "alice@gmail.com"})
	})
	mux.HandleFunc("GET "+base+"/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"labels": []map[string]string{
			{"id": "INBOX", "name": "INBOX", "type": "system"},
			{"id": "SENT", "name": "SENT", "type": "system"},
			{"id": "TRASH", "name": "TRASH", "type": "system"},
			{"id": "UNREAD", "name": "UNREAD", "type": "system"},
			{"id": "CATEGORY_SOCIAL", "name": "CATEGORY_SOCIAL", "type": "system"},
			{"id": "Label_1", "name": "Receipts", "type": "user"},
		}})
	})
	mux.HandleFunc("GET "+base+"/labels/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		n := 0
		for _, m := range f.messages {
			if hasAll(m.labels, []string{r.PathValue("id")}) {
				n++
			}
		}
		writeJSON(w, map[string]interface{}{"id": r.PathValue("id"), "messagesTotal": n})
	})
	mux.HandleFunc("GET "+base+"/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		want := r.URL.Query()["labelIds"]
		var out []map[string]string
		for _, id := range f.order {
			if m, ok := f.messages[id]; ok && hasAll(m.labels, want) {
				out = append(out, map[string]string{"id": id, "threadId": "t-" + id})
			}
		}
		writeJSON(w, map[string]interface{}{"messages": out})
	})
	mux.HandleFunc("GET "+base+"/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			apiError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		resp := map[string]interface{}{
			"id":           r.PathValue("id"),
			"labelIds":     m.labels,
			"sizeEstimate": len(m.raw),
			"internalDate": "1700000000000",
		}
		if r.URL.Query().Get("format") == "raw" {
			resp["raw"] = base64.URLEncoding.EncodeToString([]byte(m.raw))
		} else {
			head, _, _ := strings.Cut(m.raw, "\r\n\r\n")
			var headers []map[string]string
			for _, line := range strings.Split(head, "\r\n") {
				name, value, _ := strings.Cut(line, ": ")
				headers = append(headers, map[string]string{"name": name, "value": value})
			}
			resp["payload"] = map[string]interface{}{"headers": headers}
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("POST "+base+"/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		var req gm.ModifyMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apiError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			apiError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		var kept []string
		for _, l := range m.labels {
			if !hasAll(req.RemoveLabelIds, []string{l}) {
				kept = append(kept, l)
			}
		}
		m.labels = append(kept, req.AddLabelIds...)
		writeJSON(w, map[string]interface{}{"id": r.PathValue("id"), "labelIds": m.labels})
	})
	mux.HandleFunc("POST "+base+"/messages/{id}/trash", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			apiError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		m.labels = []string{"TRASH"}
		writeJSON(w, map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST "+base+"/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var msg gm.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			apiError(w, http.StatusBadRequest, err.Error())
			return
		}
		raw, _ := base64.URLEncoding.DecodeString(msg.Raw)
		f.mu.Lock()
		f.sent = append(f.sent, string(raw))
		f.mu.Unlock()
		writeJSON(w, map[string]string{"id": "sent-1"})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		token := f.token
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+token {
			apiError(w, http.StatusUnauthorized, "Invalid Credentials")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func rawMessage(subject string) string {
	return "From: Bob <bob@example.com>\r\n" +
		"To: alice@gmail.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Tue, 14 Nov 2023 22:13:20 +0000\r\n" +
		"Message-ID: <" + strings.ReplaceAll(subject, " ", "-") + "@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n"
}

func setup(t *testing.T) (*Backend, *fakeGmail) {
	t.Helper()
	b, fake, _ := setupWithStore(t)
	return b, fake
}

func setupWithStore(t *testing.T) (*Backend, *fakeGmail, *cache.Store) {
	t.Helper()
	fake := newFakeGmail()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	store := cachetest.NewStore(t, nil)
	acc := cachetest.SeedAccount(t, store, "gm")
	acc.Backend = config.BackendGmail
	acc.Email = "alice@gmail.com"

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b := New(acc, store, nil, logger, option.WithEndpoint(srv.URL+"/"))
	return b, fake, store
}

func login(t *testing.T, b *Backend) {
	t.Helper()
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Authenticate(context.Background(), auth.Credential{Method: config.AuthOAuth2, Username: "alice@gmail.com", AccessToken: "good"}))
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	b, _ := setup(t)
	err := b.Authenticate(context.Background(), auth.Credential{Method: config.AuthOAuth2, AccessToken: "stale"})
	reason, ok := mailerr.AuthReasonOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, mailerr.InvalidCredentials, reason)

	err = b.Authenticate(context.Background(), auth.Credential{Method: config.AuthOAuth2})
	reason, _ = mailerr.AuthReasonOf(err)
	assert.Equal(t, mailerr.ReauthRequired, reason)
}

func TestListFoldersSkipsCategoryLabels(t *testing.T) {
	b, _ := setup(t)
	login(t, b)

	listed, err := b.ListFolders(context.Background())
	require.NoError(t, err)

	var names []string
	for _, l := range listed {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"INBOX", "Receipts", "SENT", "TRASH"}, names)
	assert.Equal(t, []string{`\Sent`}, listed[2].Attributes)
}

func TestListUIDsAssignsAscendingUIDs(t *testing.T) {
	b, fake := setup(t)
	fake.add("a", rawMessage("first"), "INBOX")
	fake.add("b", rawMessage("second"), "INBOX", "UNREAD")
	fake.add("c", rawMessage("third"), "INBOX", "STARRED")
	login(t, b)
	ctx := context.Background()

	status, err := b.SelectFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(uidValidity), status.UIDValidity)
	assert.Equal(t, 3, status.Messages)

	uids, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, map[uint32][]string{
		1: {types.FlagSeen},
		2: {},
		3: {types.FlagFlagged, types.FlagSeen},
	}, uids)

	fake.add("d", rawMessage("fourth"), "INBOX")
	uids, err = b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, uids, 4)
	assert.Contains(t, uids, uint32(4))
}

func TestUIDsAreScopedToLabel(t *testing.T) {
	b, fake := setup(t)
	fake.add("a", rawMessage("one"), "INBOX")
	fake.add("b", rawMessage("two"), "INBOX", "Label_1")
	login(t, b)
	ctx := context.Background()

	inbox, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
	receipts, err := b.ListUIDs(ctx, "Receipts")
	require.NoError(t, err)
	assert.Contains(t, receipts, uint32(1), "each label numbers from 1")

	msgs, err := b.FetchMessages(ctx, "Receipts", []uint32{1}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Subject)

	// leaving and rejoining a label yields a fresh UID
	fake.relabel("b", "INBOX")
	_, err = b.ListUIDs(ctx, "Receipts")
	require.NoError(t, err)
	fake.relabel("b", "INBOX", "Label_1")
	receipts, err = b.ListUIDs(ctx, "Receipts")
	require.NoError(t, err)
	assert.Equal(t, map[uint32][]string{2: {types.FlagSeen}}, receipts)
}

func TestSyncPicksUpMessageMovedBetweenLabels(t *testing.T) {
	b, fake, store := setupWithStore(t)
	fake.add("a", rawMessage("moved later"), "INBOX")
	fake.add("b", rawMessage("receipt"), "Label_1")
	login(t, b)
	ctx := context.Background()

	engine := syncer.NewEngine(store, syncer.Options{}, cachetest.Logger())
	inbox, err := store.EnsureFolder(ctx, "gm", "INBOX", types.RoleInbox, "INBOX", nil)
	require.NoError(t, err)
	receipts, err := store.EnsureFolder(ctx, "gm", "Receipts", types.RoleCustom, "Receipts", nil)
	require.NoError(t, err)

	for _, f := range []*types.Folder{inbox, receipts} {
		_, err := engine.SyncFolder(ctx, b, f)
		require.NoError(t, err)
	}

	// another client moves "a" out of the inbox into Receipts
	fake.relabel("a", "Label_1")

	res, err := engine.SyncFolder(ctx, b, receipts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	live, err := store.LiveUIDs(ctx, receipts.ID)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	res, err = engine.SyncFolder(ctx, b, inbox)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
}

func TestFetchMessages(t *testing.T) {
	b, fake := setup(t)
	fake.add("a", rawMessage("hello world"), "INBOX", "UNREAD")
	login(t, b)
	ctx := context.Background()

	_, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)

	msgs, err := b.FetchMessages(ctx, "INBOX", []uint32{1, 99}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world", msgs[0].Subject)
	assert.Equal(t, "bob@example.com", msgs[0].From.Email)
	assert.Equal(t, []string{}, msgs[0].Flags)
	assert.False(t, msgs[0].HasBody)

	full, err := b.FetchBody(ctx, "INBOX", 1)
	require.NoError(t, err)
	assert.True(t, full.HasBody)
	assert.Contains(t, full.BodyText, "body of hello world")
}

func TestFlagsMoveAndDelete(t *testing.T) {
	b, fake := setup(t)
	fake.add("a", rawMessage("one"), "INBOX", "UNREAD")
	fake.add("b", rawMessage("two"), "INBOX")
	login(t, b)
	ctx := context.Background()

	_, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)

	require.NoError(t, b.StoreFlags(ctx, "INBOX", 1, []string{types.FlagSeen, types.FlagFlagged}, nil))
	assert.Equal(t, []string{"INBOX", "STARRED"}, fake.labelsOf("a"))

	require.NoError(t, b.Move(ctx, "INBOX", 1, "Receipts"))
	assert.Equal(t, []string{"Label_1", "STARRED"}, fake.labelsOf("a"))

	require.NoError(t, b.Move(ctx, "INBOX", 2, "TRASH"))
	assert.Equal(t, []string{"TRASH"}, fake.labelsOf("b"))

	err = b.Delete(ctx, "INBOX", 77)
	assert.True(t, errors.Is(err, mailerr.ErrMessageGone), "got %v", err)
}

func TestSubmit(t *testing.T) {
	b, fake := setup(t)
	out := &backend.Outgoing{
		From:       "alice@gmail.com",
		Recipients: []string{"bob@example.com"},
		Raw:        []byte(rawMessage("outgoing")),
	}
	require.NoError(t, b.Submit(context.Background(), auth.Credential{Method: config.AuthOAuth2, AccessToken: "good"}, out))

	sent := fake.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Subject: outgoing")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code  int
		check func(error) bool
	}{
		{http.StatusUnauthorized, mailerr.IsAuth},
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, mailerr.ErrMessageGone) }},
		{http.StatusTooManyRequests, mailerr.IsTransport},
		{http.StatusServiceUnavailable, mailerr.IsTransport},
		{http.StatusBadRequest, mailerr.IsProtocol},
	}
	for _, tt := range tests {
		err := classify("op", &googleapi.Error{Code: tt.code})
		assert.True(t, tt.check(err), "code %d gave %v", tt.code, err)
	}

	limited := &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}
	assert.True(t, mailerr.IsTransport(classify("op", limited)))
}

func TestFlagsFromLabels(t *testing.T) {
	assert.Equal(t, []string{types.FlagSeen}, flagsFromLabels([]string{"INBOX"}))
	assert.Equal(t, []string{types.FlagFlagged}, flagsFromLabels([]string{"UNREAD", "STARRED"}))

	add, remove := labelDelta([]string{types.FlagSeen}, []string{types.FlagFlagged, "$Custom"})
	assert.Equal(t, []string{}, nonNilStrings(add))
	assert.Equal(t, []string{"UNREAD", "STARRED"}, remove)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
