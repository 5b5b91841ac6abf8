package urlguard

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	ips map[string][]net.IP
	err error
}

func (f *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ips[host], nil
}

func newFake(host string, ips ...string) *fakeResolver {
	parsed := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		parsed = append(parsed, net.ParseIP(ip))
	}
	return &fakeResolver{ips: map[string][]net.IP{host: parsed}}
}

func TestCheckAllowsPublicAddress(t *testing.T) {
	g := New(newFake("docs.example.com", "93.184.216.34"), true, nil)
	if err := g.Check(context.Background(), "https://docs.example.com/search"); err != nil {
		t.Errorf("expected public address to pass, got %v", err)
	}
}

func TestCheckRejectsBadScheme(t *testing.T) {
	g := New(newFake("docs.example.com", "93.184.216.34"), true, nil)
	if err := g.Check(context.Background(), "ftp://docs.example.com/file"); err == nil {
		t.Error("expected ftp scheme to be rejected")
	}
}

func TestCheckRejectsBadPort(t *testing.T) {
	g := New(newFake("docs.example.com", "93.184.216.34"), true, nil)
	if err := g.Check(context.Background(), "https://docs.example.com:8443/search"); err == nil {
		t.Error("expected non-standard port to be rejected")
	}
}

func TestCheckRejectsPrivateIPv4(t *testing.T) {
	g := New(newFake("internal.svc", "10.0.0.5"), true, nil)
	if err := g.Check(context.Background(), "http://internal.svc/metrics"); err == nil {
		t.Error("expected private range address to be rejected")
	}
}

func TestCheckRejectsLoopback(t *testing.T) {
	g := New(newFake("localhost.test", "127.0.0.1"), true, nil)
	if err := g.Check(context.Background(), "http://localhost.test/"); err == nil {
		t.Error("expected loopback address to be rejected")
	}
}

func TestCheckRejectsLinkLocalIPv6(t *testing.T) {
	g := New(newFake("link.test", "fe80::1"), true, nil)
	if err := g.Check(context.Background(), "http://link.test/"); err == nil {
		t.Error("expected link-local IPv6 address to be rejected")
	}
}

func TestCheckEnforcesAllowlist(t *testing.T) {
	g := New(newFake("docs.example.com", "93.184.216.34"), true, []string{"other.example.com"})
	if err := g.Check(context.Background(), "https://docs.example.com/search"); err == nil {
		t.Error("expected host not in allowlist to be rejected")
	}
}

func TestCheckAllowlistCaseInsensitive(t *testing.T) {
	g := New(newFake("docs.example.com", "93.184.216.34"), true, []string{"DOCS.EXAMPLE.COM"})
	if err := g.Check(context.Background(), "https://docs.example.com/search"); err != nil {
		t.Errorf("expected case-insensitive allowlist match, got %v", err)
	}
}

func TestCheckDisabledSkipsAllRules(t *testing.T) {
	g := New(newFake("internal.svc", "10.0.0.5"), false, nil)
	if err := g.Check(context.Background(), "ftp://internal.svc:9999/x"); err != nil {
		t.Errorf("expected disabled guard to allow anything, got %v", err)
	}
}

func TestCheckRejectsUnresolvableHost(t *testing.T) {
	g := New(&fakeResolver{err: context.DeadlineExceeded}, true, nil)
	if err := g.Check(context.Background(), "https://nowhere.invalid/"); err == nil {
		t.Error("expected unresolvable host to be rejected")
	}
}

func TestCheckAllowsLiteralPublicIP(t *testing.T) {
	g := New(&fakeResolver{}, true, nil)
	if err := g.Check(context.Background(), "https://93.184.216.34/"); err != nil {
		t.Errorf("expected literal public IP to pass, got %v", err)
	}
}

func TestCheckRejectsLiteralPrivateIP(t *testing.T) {
	g := New(&fakeResolver{}, true, nil)
	if err := g.Check(context.Background(), "https://192.168.1.1/"); err == nil {
		t.Error("expected literal private IP to be rejected")
	}
}
