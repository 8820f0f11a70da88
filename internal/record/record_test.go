package record

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func validRecord() *Record {
	token := "secret"
	return &Record{
		PID:           4242,
		Host:          "127.0.0.1",
		Port:          6001,
		AuthToken:     &token,
		StateDBPath:   "/tmp/run/control-plane.sqlite",
		StartedAt:     "2026-02-19T00:00:00.000Z",
		WorkspaceRoot: "/work/repo",
	}
}

func TestRoundTrip(t *testing.T) {
	for _, r := range []*Record{
		validRecord(),
		{PID: 1, Host: "localhost", Port: 65535, StateDBPath: "/db", StartedAt: "2026-01-01T00:00:00Z", WorkspaceRoot: "/w"},
	} {
		data := Serialize(r)
		if !bytes.HasSuffix(data, []byte("\n")) {
			t.Error("Serialize output does not end with newline")
		}
		got, err := Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !reflect.DeepEqual(got, r) {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, r)
		}
	}
}

func TestSerializeKeyOrder(t *testing.T) {
	data := Serialize(validRecord())
	order := []string{`"version"`, `"pid"`, `"host"`, `"port"`, `"authToken"`, `"stateDbPath"`, `"startedAt"`, `"workspaceRoot"`}
	last := -1
	for _, key := range order {
		idx := bytes.Index(data, []byte(key))
		if idx < 0 {
			t.Fatalf("key %s missing from output", key)
		}
		if idx < last {
			t.Errorf("key %s out of order", key)
		}
		last = idx
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"wrong version", `{"version":2,"pid":1,"host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"missing version", `{"pid":1,"host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"empty host", `{"version":1,"pid":1,"host":"","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"blank host", `{"version":1,"pid":1,"host":"  ","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"zero pid", `{"version":1,"pid":0,"host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"negative pid", `{"version":1,"pid":-5,"host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"float pid", `{"version":1,"pid":1.5,"host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"string pid", `{"version":1,"pid":"7","host":"h","port":1,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"port zero", `{"version":1,"pid":1,"host":"h","port":0,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"port too big", `{"version":1,"pid":1,"host":"h","port":65536,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"numeric token", `{"version":1,"pid":1,"host":"h","port":1,"authToken":7,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"empty token", `{"version":1,"pid":1,"host":"h","port":1,"authToken":"","stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`},
		{"missing db path", `{"version":1,"pid":1,"host":"h","port":1,"authToken":null,"startedAt":"t","workspaceRoot":"/w"}`},
		{"top-level array", `[1,2,3]`},
		{"not json", `gateway`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Parse([]byte(tc.json))
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if r != nil {
				t.Errorf("Parse accepted %s: %+v", tc.name, r)
			}
		})
	}
}

func TestParseNullTokenOK(t *testing.T) {
	r, err := Parse([]byte(`{"version":1,"pid":9,"host":"localhost","port":80,"authToken":null,"stateDbPath":"/d","startedAt":"t","workspaceRoot":"/w"}`))
	if err != nil || r == nil {
		t.Fatalf("Parse = (%v, %v), want record", r, err)
	}
	if r.AuthToken != nil {
		t.Errorf("AuthToken = %v, want nil", *r.AuthToken)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nope", "gateway.json"))
	if err != nil || r != nil {
		t.Fatalf("Load missing = (%v, %v), want (nil, nil)", r, err)
	}
}

func TestWriteLoadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "dir", "gateway.json")
	r := validRecord()
	if err := Write(path, r); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, r) {
		t.Errorf("Load = %+v, want %+v", got, r)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("record still present after Remove")
	}
	if err := Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.53", true},
		{"localhost", true},
		{"LOCALHOST", true},
		{" ::1 ", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"192.168.1.4", false},
		{"example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsLoopbackHost(tc.host); got != tc.want {
			t.Errorf("IsLoopbackHost(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestPointerGuards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pointer.json")
	defaultRecord := "/run/ws/gateway.json"

	p := &Pointer{
		WorkspaceRoot:     "/work/repo",
		GatewayRecordPath: "/run/ws/sessions/x/gateway.json",
		PID:               1,
	}
	// Named-session record path must not be written as default pointer.
	if err := WritePointer(path, p, defaultRecord); err != nil {
		t.Fatalf("WritePointer: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pointer written for non-default record path")
	}

	p.GatewayRecordPath = defaultRecord
	if err := WritePointer(path, p, defaultRecord); err != nil {
		t.Fatalf("WritePointer: %v", err)
	}
	got, err := LoadPointer(path)
	if err != nil || got == nil {
		t.Fatalf("LoadPointer = (%v, %v)", got, err)
	}
	if got.GatewayRecordPath != defaultRecord {
		t.Errorf("GatewayRecordPath = %q", got.GatewayRecordPath)
	}

	// Clear with a mismatched record path is a no-op.
	if err := ClearPointer(path, "/elsewhere/gateway.json"); err != nil {
		t.Fatalf("ClearPointer: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("pointer removed despite mismatched record path")
	}

	if err := ClearPointer(path, defaultRecord); err != nil {
		t.Fatalf("ClearPointer: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pointer still present after matching clear")
	}
}
