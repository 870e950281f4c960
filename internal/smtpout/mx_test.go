package smtpout

import (
	"net"
	"reflect"
	"testing"
)

func withStubbedDNS(t *testing.T, mx map[string][]*net.MX, a map[string][]net.IP) {
	t.Helper()
	origMX, origHost := lookupMX, lookupHost
	lookupMX = func(name string) ([]*net.MX, error) {
		if recs, ok := mx[name]; ok {
			return recs, nil
		}
		return nil, &net.DNSError{IsNotFound: true}
	}
	lookupHost = func(name string) ([]net.IP, error) {
		if ips, ok := a[name]; ok {
			return ips, nil
		}
		return nil, &net.DNSError{IsNotFound: true}
	}
	t.Cleanup(func() { lookupMX, lookupHost = origMX, origHost })
}

func TestResolveMXNoSelf(t *testing.T) {
	withStubbedDNS(t,
		map[string][]*net.MX{
			"example.com": {{Host: "mx1.example.com.", Pref: 10}},
		},
		map[string][]net.IP{
			"mx1.example.com.": {net.ParseIP("10.0.0.2")},
		},
	)

	r := &Resolver{}
	hosts, bestLocal, err := r.ResolveMX("example.com")
	if err != nil {
		t.Fatalf("ResolveMX: %v", err)
	}
	if bestLocal {
		t.Fatal("bestLocal = true, want false")
	}
	want := []string{"mx1.example.com."}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}

func TestResolveMXSelfLoop(t *testing.T) {
	withStubbedDNS(t,
		map[string][]*net.MX{
			"example.com": {{Host: "mx1.example.com.", Pref: 10}},
		},
		map[string][]net.IP{
			"mx1.example.com.": {net.ParseIP("10.0.0.2")},
		},
	)

	r := &Resolver{SelfAddrs: []net.IP{net.ParseIP("10.0.0.2")}}
	_, _, err := r.ResolveMX("example.com")
	if err == nil || !IsSelfLoop(err) {
		t.Fatalf("ResolveMX err = %v, want self-loop", err)
	}
}

func TestResolveMXSelfLoopBestMXOverride(t *testing.T) {
	withStubbedDNS(t,
		map[string][]*net.MX{
			"example.com": {{Host: "mx1.example.com.", Pref: 10}},
		},
		map[string][]net.IP{
			"mx1.example.com.": {net.ParseIP("10.0.0.2")},
		},
	)

	r := &Resolver{SelfAddrs: []net.IP{net.ParseIP("10.0.0.2")}, BestMXTransport: "local"}
	_, bestLocal, err := r.ResolveMX("example.com")
	if err != nil {
		t.Fatalf("ResolveMX: %v", err)
	}
	if !bestLocal {
		t.Fatal("bestLocal = false, want true")
	}
}

func TestResolveMXTruncatesCoMX(t *testing.T) {
	withStubbedDNS(t,
		map[string][]*net.MX{
			"example.com": {
				{Host: "mx1.example.com.", Pref: 10},
				{Host: "mx2.example.com.", Pref: 10}, // co-preferred with self
				{Host: "mx3.example.com.", Pref: 20}, // lower preference, survives
			},
		},
		map[string][]net.IP{
			"mx1.example.com.": {net.ParseIP("10.0.0.2")}, // this is us
			"mx2.example.com.": {net.ParseIP("10.0.0.3")},
			"mx3.example.com.": {net.ParseIP("10.0.0.4")},
		},
	)

	r := &Resolver{SelfAddrs: []net.IP{net.ParseIP("10.0.0.2")}}
	hosts, bestLocal, err := r.ResolveMX("example.com")
	if err != nil {
		t.Fatalf("ResolveMX: %v", err)
	}
	if bestLocal {
		t.Fatal("bestLocal = true, want false")
	}
	want := []string{"mx3.example.com."}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}

func TestResolveMXNoMXFallsBackToA(t *testing.T) {
	withStubbedDNS(t,
		map[string][]*net.MX{},
		map[string][]net.IP{
			"example.com": {net.ParseIP("10.0.0.5")},
		},
	)

	r := &Resolver{}
	hosts, _, err := r.ResolveMX("example.com")
	if err != nil {
		t.Fatalf("ResolveMX: %v", err)
	}
	want := []string{"example.com"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}
