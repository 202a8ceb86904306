package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/tools"
	"github.com/brandon/mailbar/internal/tools/mocks"
)

type decoded struct {
	ID     json.RawMessage        `json:"id"`
	Result map[string]interface{} `json:"result"`
	Error  *rpcError              `json:"error"`
}

func serve(t *testing.T, engine tools.Engine, input string) []decoded {
	t.Helper()
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{{Name: "work"}}

	srv := NewServer(tools.NewRegistry(cfg, engine, nil, logging.Discard()), "test", logging.Discard())
	var out bytes.Buffer
	srv.SetIO(strings.NewReader(input), &out)
	require.NoError(t, srv.Run(context.Background()))

	var resps []decoded
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r decoded
		require.NoError(t, dec.Decode(&r))
		resps = append(resps, r)
	}
	return resps
}

func TestInitializeAndList(t *testing.T) {
	engine := mocks.NewMockEngine(gomock.NewController(t))
	resps := serve(t, engine, `
{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":"two","method":"tools/list"}
{"jsonrpc":"2.0","id":3,"method":"resources/list"}
`)
	require.Len(t, resps, 3)

	assert.JSONEq(t, `1`, string(resps[0].ID))
	assert.Equal(t, protocolVersion, resps[0].Result["protocolVersion"])
	info := resps[0].Result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "mailbar", info["name"])
	assert.Equal(t, "test", info["version"])

	assert.JSONEq(t, `"two"`, string(resps[1].ID))
	assert.Len(t, resps[1].Result["tools"], 5)

	require.NotNil(t, resps[2].Error)
	assert.Equal(t, codeMethodNotFound, resps[2].Error.Code)
}

func TestToolsCall(t *testing.T) {
	engine := mocks.NewMockEngine(gomock.NewController(t))
	engine.EXPECT().MarkRead(gomock.Any(), "work", "INBOX", uint32(5)).Return(nil)
	engine.EXPECT().Delete(gomock.Any(), "work", "INBOX", uint32(6)).Return(errors.New("failed to delete message: NO\ntrailing detail"))

	resps := serve(t, engine, `
{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"mark_email","arguments":{"uid":5,"action":"read"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"mark_email","arguments":{"uid":6,"action":"delete"}}}
{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}
{"jsonrpc":"2.0","id":4,"method":"tools/call","params":"bad"}
`)
	require.Len(t, resps, 4)

	content := resps[0].Result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	assert.JSONEq(t, `{"success":true,"uid":5,"action":"read"}`, text)

	require.NotNil(t, resps[1].Error)
	assert.Equal(t, codeInternalError, resps[1].Error.Code)
	assert.Equal(t, "failed to delete message: NO", resps[1].Error.Message)

	assert.Equal(t, codeMethodNotFound, resps[2].Error.Code)
	assert.Equal(t, codeInvalidParams, resps[3].Error.Code)
}

func TestMalformedInputStops(t *testing.T) {
	cfg := config.Default()
	srv := NewServer(tools.NewRegistry(cfg, mocks.NewMockEngine(gomock.NewController(t)), nil, logging.Discard()), "test", logging.Discard())
	var out bytes.Buffer
	srv.SetIO(strings.NewReader(`{"jsonrpc":`), &out)

	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, out.String(), `"code":-32700`)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	srv := NewServer(tools.NewRegistry(cfg, mocks.NewMockEngine(gomock.NewController(t)), nil, logging.Discard()), "test", logging.Discard())
	blocked, w := io.Pipe()
	defer w.Close()
	srv.SetIO(blocked, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Run(ctx))
}
