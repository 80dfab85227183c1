package backend_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
)

type stubProxy struct {
	ID string `json:"id"`
}

func (p *stubProxy) ProxyName() string { return "StubProxy" }
func (p *stubProxy) Details() any      { return p }

type stubAsync struct {
	backend.Async
	arg string
}

type stubSync struct{ arg string }

func (s stubSync) Prepublish(context.Context, backend.Request) (*datamodel.Data, error) {
	return nil, nil
}

func (s stubSync) Run(context.Context, backend.Request) (*datamodel.Data, error) {
	return datamodel.New(s.arg, nil)
}

func newRegistry(t *testing.T) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	err := reg.Register("stubsync", backend.Factory{
		Description: "sync stub",
		NewSync:     func(arg string) (backend.Sync, error) { return stubSync{arg: arg}, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Register("stubasync", backend.Factory{
		Description: "async stub",
		NewAsync:    func(arg string) (backend.Async, error) { return &stubAsync{arg: arg}, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Proxies().Register("StubProxy", "stubasync", func(details json.RawMessage) (backend.Proxy, error) {
		var p stubProxy
		return &p, json.Unmarshal(details, &p)
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRegistryResolve(t *testing.T) {
	reg := newRegistry(t)

	a, err := reg.Async("stubasync:7")
	if err != nil {
		t.Fatal(err)
	}
	if a.(*stubAsync).arg != "7" {
		t.Errorf("arg = %q", a.(*stubAsync).arg)
	}
	s, err := reg.Sync("stubsync")
	if err != nil {
		t.Fatal(err)
	}
	if s.(stubSync).arg != "" {
		t.Errorf("arg = %q", s.(stubSync).arg)
	}

	if _, err := reg.Async("doesnotexist"); err == nil || !strings.Contains(err.Error(), "doesnotexist") {
		t.Errorf("unknown backend error = %v", err)
	}
	if _, err := reg.Async("stubsync"); err == nil {
		t.Error("sync backend resolved as async")
	}
	if err := reg.Register("stubsync", backend.Factory{NewSync: func(string) (backend.Sync, error) { return nil, nil }}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := reg.Register("neither", backend.Factory{}); err == nil {
		t.Error("factory without constructor accepted")
	}
}

func TestRegistryList(t *testing.T) {
	want := []backend.BackendInfo{
		{Name: "stubasync", Kind: backend.KindAsync, Description: "async stub", Proxies: []string{"StubProxy"}},
		{Name: "stubsync", Kind: backend.KindSync, Description: "sync stub"},
	}
	if diff := cmp.Diff(want, newRegistry(t).List()); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
}

func TestFromEnv(t *testing.T) {
	reg := newRegistry(t)

	t.Setenv(backend.EnvFromEnv, "packtivity:stubasync:StubProxy")
	if _, err := reg.Async(backend.FromEnv); err != nil {
		t.Errorf("fromenv: %v", err)
	}

	for _, bad := range []string{"", "a:b", "othermodule:stubasync:StubProxy", "packtivity:stubasync:OtherProxy"} {
		t.Setenv(backend.EnvFromEnv, bad)
		if _, err := reg.Async(backend.FromEnv); err == nil {
			t.Errorf("fromenv %q accepted", bad)
		}
	}
}

func TestLoadProxyRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	raw, err := backend.MarshalProxy(&stubProxy{ID: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	p, name, err := reg.LoadProxy(raw)
	if err != nil {
		t.Fatal(err)
	}
	if name != "stubasync" {
		t.Errorf("backend = %q", name)
	}
	again, err := backend.MarshalProxy(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(raw) {
		t.Errorf("round trip %s != %s", again, raw)
	}

	if _, _, err := reg.LoadProxy([]byte(`{"proxyname":"Nope","proxydetails":{}}`)); err == nil {
		t.Error("unknown proxy loaded")
	}
}
