package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache/cachetest"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/session"
	syncer "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/internal/tools"
)

type fakeAccounts struct{}

func (fakeAccounts) Status() []session.Status {
	return []session.Status{{AccountID: "work", State: session.Idle, StateName: "idle"}}
}

func (fakeAccounts) Session(id string) (*session.Session, error) {
	return nil, errors.New("no sessions here")
}

func (fakeAccounts) SyncNow(ctx context.Context, id string) (*syncer.Result, error) {
	return nil, errors.New("account is not running: work")
}

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// serve runs the server over the scripted input and returns each response
func serve(t *testing.T, input ...string) []reply {
	t.Helper()
	cfg := &config.Config{
		SearchResultLimit: 100,
		Accounts: []config.AccountConfig{{
			ID: "work", Name: "Work", Email: "work@example.com", Enabled: true, Backend: config.BackendIMAP,
		}},
	}
	registry := tools.NewRegistry(&tools.Deps{Config: cfg, Accounts: fakeAccounts{}, Logger: cachetest.Logger()})

	var out bytes.Buffer
	srv := mcp.NewServer(registry, strings.NewReader(strings.Join(input, "\n")+"\n"), &out, "1.2.3", cachetest.Logger())
	require.NoError(t, srv.Run(context.Background()))

	var replies []reply
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r reply
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r), scanner.Text())
		replies = append(replies, r)
	}
	return replies
}

func TestInitializeAndListTools(t *testing.T) {
	replies := serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, replies, 2, "notifications get no reply")

	assert.JSONEq(t, "1", string(replies[0].ID))
	assert.Equal(t, "2024-11-05", replies[0].Result.ProtocolVersion)
	assert.Equal(t, "mailsync", replies[0].Result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", replies[0].Result.ServerInfo.Version)

	assert.Len(t, replies[1].Result.Tools, 10)
	assert.Equal(t, "delete_message", replies[1].Result.Tools[0].Name)
}

func TestToolsCall(t *testing.T) {
	replies := serve(t,
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"list_accounts","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"sync_now"}}`,
	)
	require.Len(t, replies, 2)

	ok := replies[0]
	assert.JSONEq(t, `"a"`, string(ok.ID))
	assert.Nil(t, ok.Error)
	assert.False(t, ok.Result.IsError)
	require.Len(t, ok.Result.Content, 1)
	assert.Equal(t, "text", ok.Result.Content[0].Type)
	var accounts []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(ok.Result.Content[0].Text), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "work", accounts[0]["id"])
	assert.Equal(t, "idle", accounts[0]["state"])

	failed := replies[1]
	assert.Nil(t, failed.Error, "tool failures are results")
	assert.True(t, failed.Result.IsError)
	assert.Equal(t, "account is not running: work", failed.Result.Content[0].Text)
}

func TestProtocolErrors(t *testing.T) {
	replies := serve(t,
		`{not json`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"format_disk"}}`,
		`{"jsonrpc":"2.0","id":5}`,
		``,
		`{"jsonrpc":"2.0","id":6,"method":"ping"}`,
	)
	require.Len(t, replies, 5)

	codes := make([]int, 0, 4)
	for _, r := range replies[:4] {
		require.NotNil(t, r.Error)
		codes = append(codes, r.Error.Code)
	}
	assert.Equal(t, []int{-32700, -32601, -32602, -32600}, codes)
	assert.JSONEq(t, "null", string(replies[0].ID))
	assert.Contains(t, replies[2].Error.Message, "format_disk")

	assert.Nil(t, replies[4].Error)
	assert.JSONEq(t, "6", string(replies[4].ID))
}

func TestRunStopsOnCancel(t *testing.T) {
	registry := tools.NewRegistry(&tools.Deps{Config: &config.Config{}, Accounts: fakeAccounts{}, Logger: cachetest.Logger()})
	in, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	srv := mcp.NewServer(registry, in, &bytes.Buffer{}, "dev", cachetest.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Run(ctx))
}
