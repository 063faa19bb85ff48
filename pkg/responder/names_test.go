package responder

import (
	"errors"
	"testing"
)

func TestNames(t *testing.T) {
	if got := serviceName("_http._tcp."); got != "_http._tcp" {
		t.Errorf("serviceName() = %q", got)
	}
	if got := domainName(""); got != "local." {
		t.Errorf("domainName(\"\") = %q, want local.", got)
	}
	if got := domainName("example.com"); got != "example.com." {
		t.Errorf("domainName() = %q, want example.com.", got)
	}
	if got := bareDomain("local."); got != "local" {
		t.Errorf("bareDomain() = %q, want local", got)
	}
	if got := fqdn(""); got != "" {
		t.Errorf("fqdn(\"\") = %q, want empty", got)
	}
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		name   string
		full   string
		typ    string
		domain string
		want   string
	}{
		{"plain", "printer._ipp._tcp.local.", "_ipp._tcp.", "local.", "printer"},
		{"no trailing dot", "printer._ipp._tcp.local", "_ipp._tcp", "", "printer"},
		{"spaces", "My Printer._ipp._tcp.local.", "_ipp._tcp", "local", "My Printer"},
		{"escaped dot", `a\.b._ipp._tcp.local.`, "_ipp._tcp", "local", "a.b"},
		{"other type", "x._http._tcp.local.", "_ipp._tcp", "local", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := instanceName(tt.full, tt.typ, tt.domain); got != tt.want {
				t.Errorf("instanceName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRegister(t *testing.T) {
	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr error
	}{
		{"valid", RegisterRequest{Name: "a", Type: "_http._tcp", Port: 80}, nil},
		{"default name", RegisterRequest{Type: "_http._tcp", Port: 80}, nil},
		{"missing type", RegisterRequest{Name: "a", Port: 80}, ErrBadParam},
		{"zero port", RegisterRequest{Name: "a", Type: "_http._tcp"}, ErrBadParam},
		{"port too large", RegisterRequest{Name: "a", Type: "_http._tcp", Port: 70000}, ErrBadParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := validateRegister(&req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("validateRegister() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && req.Name == "" {
				t.Error("validateRegister() left Name empty")
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, NoError},
		{ErrTimeout, ErrTimeout},
		{errors.New("missing port"), ErrBadParam},
		{errors.New("name conflict detected"), ErrNameConflict},
		{errors.New("socket closed"), ErrUnknown},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTextConversion(t *testing.T) {
	m := textMap([]string{"a=1", "flag", "b=x=y"})
	if m["a"] != "1" || m["flag"] != "" || m["b"] != "x=y" {
		t.Errorf("textMap() = %v", m)
	}

	records := textRecords(map[string]string{"b": "2", "a": "1", "flag": ""})
	want := []string{"a=1", "b=2", "flag"}
	if len(records) != len(want) {
		t.Fatalf("textRecords() = %v, want %v", records, want)
	}
	for i := range want {
		if records[i] != want[i] {
			t.Errorf("textRecords()[%d] = %q, want %q", i, records[i], want[i])
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range append([]string{""}, Backends...) {
		r, err := New(name, Config{})
		if err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
		if r == nil {
			t.Errorf("New(%q) returned nil", name)
		}
	}

	if _, err := New("bonjour", Config{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("New(bonjour) error = %v, want %v", err, ErrUnknownBackend)
	}
}
