package pool_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/backend/pool"
	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/handlers"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/state"
)

func newPool(t *testing.T, n int, opts ...pool.Option) *pool.Pool {
	t.Helper()
	reg, err := handlers.NewRegistry(config.NewHandlerSelection(nil))
	if err != nil {
		t.Fatal(err)
	}
	p := pool.New(pipeline.New(reg, executor.New(config.DefaultExecution()), pipeline.WithStream(io.Discard)), n, opts...)
	t.Cleanup(p.Wait)
	return p
}

func localRequest(t *testing.T, cmd string) backend.Request {
	t.Helper()
	st, err := state.NewLocalFS([]string{t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return backend.Request{
		Spec: model.ActivitySpec{
			Process:     model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": cmd},
			Environment: model.Template{"environment_type": handlers.EnvLocalProc},
			Publisher:   model.Template{"publisher_type": handlers.PubFromPar, "outputmap": map[string]any{"o": "p"}},
		},
		Parameters: datamodel.MustNew(map[string]any{"p": "value"}, nil),
		State:      st,
		Metadata:   model.Metadata{Name: "pooled"},
	}
}

func waitReady(t *testing.T, p *pool.Pool, proxy backend.Proxy) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := backend.Wait(ctx, p, proxy, 5*time.Millisecond); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSubmitSuccess(t *testing.T) {
	p := newPool(t, 2)
	ctx := context.Background()
	proxy, err := p.Submit(ctx, localRequest(t, "true"))
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, p, proxy)

	ok, err := p.Successful(ctx, proxy)
	if err != nil || !ok {
		t.Fatalf("Successful = %v, %v", ok, err)
	}
	out, err := p.Result(ctx, proxy)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"o": "value"}, out.JSON()); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if d := p.FailInfo(ctx, proxy); d != nil {
		t.Errorf("FailInfo = %+v, want nil", d)
	}
}

func TestSubmitFailure(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()
	proxy, err := p.Submit(ctx, localRequest(t, "exit 1"))
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, p, proxy)

	for i := 0; i < 3; i++ {
		if ready, _ := p.Ready(ctx, proxy); !ready {
			t.Fatal("Ready went back to false")
		}
	}
	if ok, err := p.Successful(ctx, proxy); err != nil || ok {
		t.Errorf("Successful = %v, %v, want false", ok, err)
	}
	d := p.FailInfo(ctx, proxy)
	if d == nil || d.Code != backend.CodeExecution || d.ExitCode == nil || *d.ExitCode != 1 {
		t.Errorf("FailInfo = %+v", d)
	}
	var ee *executor.ExecutionError
	if _, err := p.Result(ctx, proxy); !errors.As(err, &ee) {
		t.Errorf("Result error = %v, want ExecutionError", err)
	}
}

func TestNotReadyBeforeCompletion(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()
	proxy, err := p.Submit(ctx, localRequest(t, "sleep 0.3"))
	if err != nil {
		t.Fatal(err)
	}
	if ready, _ := p.Ready(ctx, proxy); ready {
		t.Skip("finished before the first poll")
	}
	if _, err := p.Successful(ctx, proxy); !errors.Is(err, backend.ErrNotReady) {
		t.Errorf("Successful error = %v, want ErrNotReady", err)
	}
	if _, err := p.Result(ctx, proxy); !errors.Is(err, backend.ErrNotReady) {
		t.Errorf("Result error = %v, want ErrNotReady", err)
	}
	if d := p.FailInfo(ctx, proxy); d != nil {
		t.Errorf("FailInfo before ready = %+v", d)
	}
	waitReady(t, p, proxy)
}

func TestProxyRoundTrip(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()
	proxy, err := p.Submit(ctx, localRequest(t, "true"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := backend.MarshalProxy(proxy)
	if err != nil {
		t.Fatal(err)
	}
	var wire backend.ProxyJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.ProxyName != pool.ProxyName {
		t.Errorf("proxyname = %q", wire.ProxyName)
	}
	loaded, err := pool.LoadProxy(wire.ProxyDetails)
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, p, loaded)

	if _, err := p.Ready(ctx, &pool.Proxy{FutureID: "elsewhere"}); !errors.Is(err, pool.ErrUnknownFuture) {
		t.Errorf("foreign proxy error = %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		arg     string
		want    int
		wantErr bool
	}{
		{"4", 4, false},
		{"0", 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := pool.ParseSize(tt.arg)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v", tt.arg, got, err)
		}
	}
	if n, err := pool.ParseSize("auto"); err != nil || n < 1 {
		t.Errorf("ParseSize(auto) = %d, %v", n, err)
	}
}

func TestFinishedFuturesExpire(t *testing.T) {
	p := newPool(t, 1, pool.WithRetention(50*time.Millisecond))
	ctx := context.Background()

	proxy, err := p.Submit(ctx, localRequest(t, "true"))
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, p, proxy)
	if _, err := p.Result(ctx, proxy); err != nil {
		t.Fatalf("Result inside retention: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := p.Len(); n != 0 {
		t.Errorf("Len = %d after retention, want 0", n)
	}
	if _, err := p.Ready(ctx, proxy); !errors.Is(err, pool.ErrUnknownFuture) {
		t.Errorf("Ready after retention = %v, want ErrUnknownFuture", err)
	}
}

func TestPendingFuturesAreKept(t *testing.T) {
	p := newPool(t, 1, pool.WithRetention(time.Millisecond))
	ctx := context.Background()

	proxy, err := p.Submit(ctx, localRequest(t, "sleep 0.3"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := p.Submit(ctx, localRequest(t, "true")); err != nil {
		t.Fatal(err)
	}
	if ready, err := p.Ready(ctx, proxy); err != nil || ready {
		t.Errorf("Ready = %v, %v, want a tracked pending future", ready, err)
	}
}
