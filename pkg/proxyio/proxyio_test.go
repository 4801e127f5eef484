package proxyio

import (
	"net"
	"testing"
)

func TestParseNetAddressDomain(t *testing.T) {
	addr, err := ParseNetAddress("example.com:443")
	if err != nil {
		t.Fatalf("ParseNetAddress: %v", err)
	}
	if addr.Kind != AddressDomain || addr.Domain != "example.com" || addr.Port != 443 {
		t.Fatalf("got %+v", addr)
	}
	if addr.String() != "example.com:443" {
		t.Fatalf("String() = %q", addr.String())
	}
	if addr.Host() != "example.com" {
		t.Fatalf("Host() = %q", addr.Host())
	}
}

func TestParseNetAddressIPv4(t *testing.T) {
	addr, err := ParseNetAddress("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("ParseNetAddress: %v", err)
	}
	if addr.Kind != AddressIPv4 {
		t.Fatalf("expected AddressIPv4, got %v", addr.Kind)
	}
	if addr.String() != "127.0.0.1:8080" {
		t.Fatalf("String() = %q", addr.String())
	}
}

func TestParseNetAddressIPv6(t *testing.T) {
	addr, err := ParseNetAddress("[::1]:53")
	if err != nil {
		t.Fatalf("ParseNetAddress: %v", err)
	}
	if addr.Kind != AddressIPv6 {
		t.Fatalf("expected AddressIPv6, got %v", addr.Kind)
	}
}

func TestParseNetAddressRejectsMissingPort(t *testing.T) {
	if _, err := ParseNetAddress("example.com"); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestNewIPAddressPicksVariant(t *testing.T) {
	v4 := NewIPAddress(net.ParseIP("192.0.2.1"), 80)
	if v4.Kind != AddressIPv4 {
		t.Fatalf("expected AddressIPv4, got %v", v4.Kind)
	}
	v6 := NewIPAddress(net.ParseIP("2001:db8::1"), 80)
	if v6.Kind != AddressIPv6 {
		t.Fatalf("expected AddressIPv6, got %v", v6.Kind)
	}
}
