package cmd

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/talkrelay/internal/config"
	"github.com/zjrosen/talkrelay/internal/message"
)

func TestRelayServer_ShutdownEndsSpeechWait(t *testing.T) {
	c := config.Defaults()
	c.API.Addr = "127.0.0.1:0"
	c.Tool.PollInterval = 20 * time.Millisecond
	p := disabledTracing(t)
	rl := newRelay(c, p)

	srv, mcpSrv, err := newRelayServer(c, rl, p)
	require.NoError(t, err)
	go func() { _ = srv.Start() }()

	url := "http://127.0.0.1:" + strings.TrimPrefix(srv.URL(), "http://localhost:") + "/mcp"
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		resp, err := http.Post(url, "application/json", strings.NewReader(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"speech_response","arguments":{"text":"are you there?"}}}`))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()

	require.Eventually(t, func() bool {
		return len(rl.Store().Snapshot(message.RoleAssistant)) == 1
	}, time.Second, 5*time.Millisecond, "speech_response never pushed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	mcpSrv.Stop()
	require.NoError(t, srv.Stop(ctx))
	require.Less(t, time.Since(begin), time.Second)

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("speech_response request still in flight after shutdown")
	}
}
