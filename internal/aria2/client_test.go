package aria2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/apkrelay/internal/logging"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeDaemon 模拟 aria2 的 JSON-RPC 接口。
type fakeDaemon struct {
	mu    sync.Mutex
	calls []rpcCall
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.calls = append(d.calls, rpcCall{Method: req.Method, Params: req.Params})
	d.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "aria2.getGlobalStat":
		result = map[string]string{"numActive": "0", "numWaiting": "0", "numStopped": "0", "downloadSpeed": "0", "uploadSpeed": "0"}
	case "aria2.addUri":
		result = "2089b05ecca3d829"
	case "aria2.tellStatus":
		result = map[string]string{"gid": "2089b05ecca3d829", "status": "active", "totalLength": "1000", "completedLength": "250"}
	case "aria2.forceRemove":
		result = "2089b05ecca3d829"
	default:
		result = "OK"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (d *fakeDaemon) find(method string) (rpcCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c.Method == method {
			return c, true
		}
	}
	return rpcCall{}, false
}

func TestClientSubmitStatusCancel(t *testing.T) {
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, Options{RPCURL: srv.URL + "/jsonrpc", Secret: "s3cret", Split: 8}, logging.Discard())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	header := http.Header{}
	header.Set("User-Agent", "test-agent")
	gid, err := client.Submit(ctx, Job{URL: "https://d.example.com/app.xapk", Dir: "/tmp/cache", Out: "app.xapk", Header: header})
	if err != nil || gid != "2089b05ecca3d829" {
		t.Fatalf("submit failed: gid=%s err=%v", gid, err)
	}

	call, ok := daemon.find("aria2.addUri")
	if !ok || len(call.Params) < 3 {
		t.Fatalf("addUri call missing or incomplete: %+v", call)
	}
	var token string
	_ = json.Unmarshal(call.Params[0], &token)
	if token != "token:s3cret" {
		t.Fatalf("secret must be sent as token param, got %q", token)
	}
	var opts map[string]interface{}
	if err := json.Unmarshal(call.Params[2], &opts); err != nil {
		t.Fatalf("options not an object: %v", err)
	}
	if opts["out"] != "app.xapk" || opts["split"] != "8" || opts["max-connection-per-server"] != "8" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	st, err := client.Status(ctx, gid)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.State != StateActive || st.Total != 1000 || st.Completed != 250 || st.Progress() != 0.25 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.State.Terminal() {
		t.Fatalf("active is not terminal")
	}

	if err := client.Cancel(ctx, gid); err != nil {
		t.Fatalf("cancel should not fail: %v", err)
	}
	if _, ok := daemon.find("aria2.forceRemove"); !ok {
		t.Fatalf("cancel should call forceRemove")
	}
}

func TestSupervisorAttachesToRunningDaemon(t *testing.T) {
	srv := httptest.NewServer(&fakeDaemon{})
	defer srv.Close()

	sup := &Supervisor{Options: Options{RPCURL: srv.URL + "/jsonrpc"}, Logger: logging.Discard()}
	client, err := sup.Start(context.Background())
	if err != nil || client == nil {
		t.Fatalf("should attach to running daemon: %v", err)
	}
	sup.Stop()
}

func TestSupervisorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	rpcURL := srv.URL + "/jsonrpc"
	srv.Close()

	sup := &Supervisor{
		Binary:       "apkrelay-no-such-aria2c",
		Options:      Options{RPCURL: rpcURL, Timeout: time.Second},
		Logger:       logging.Discard(),
		ReadyTimeout: 100 * time.Millisecond,
	}
	if _, err := sup.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without spawn, got %v", err)
	}

	sup.Spawn = true
	if _, err := sup.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing binary should report ErrUnavailable, got %v", err)
	}
}

func TestSupervisorArgs(t *testing.T) {
	sup := &Supervisor{Options: Options{RPCURL: "http://127.0.0.1:6900/jsonrpc", Secret: "x"}}
	args, err := sup.args()
	if err != nil {
		t.Fatalf("args failed: %v", err)
	}
	want := map[string]bool{"--enable-rpc": false, "--rpc-listen-port=6900": false, "--rpc-secret=x": false}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for a, seen := range want {
		if !seen {
			t.Fatalf("missing argument %s in %v", a, args)
		}
	}
}
