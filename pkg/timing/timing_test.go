package timing

import (
	"strings"
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	timer := NewTimer()

	timer.StartDNS()
	time.Sleep(10 * time.Millisecond)
	timer.EndDNS()

	timer.StartTCP()
	time.Sleep(20 * time.Millisecond)
	timer.EndTCP()

	timer.StartTLS()
	time.Sleep(30 * time.Millisecond)
	timer.EndTLS()

	timer.StartTTFB()
	time.Sleep(40 * time.Millisecond)
	timer.EndTTFB()

	metrics := timer.GetMetrics()

	if metrics.DNS < 5*time.Millisecond || metrics.DNS > 20*time.Millisecond {
		t.Errorf("unexpected DNS timing: %v", metrics.DNS)
	}
	if metrics.TCP < 15*time.Millisecond || metrics.TCP > 30*time.Millisecond {
		t.Errorf("unexpected TCP timing: %v", metrics.TCP)
	}
	if metrics.TLS < 25*time.Millisecond || metrics.TLS > 40*time.Millisecond {
		t.Errorf("unexpected TLS timing: %v", metrics.TLS)
	}
	if metrics.TTFB < 35*time.Millisecond || metrics.TTFB > 50*time.Millisecond {
		t.Errorf("unexpected TTFB timing: %v", metrics.TTFB)
	}
	if metrics.Total <= 0 {
		t.Error("total timing should be positive")
	}
}

func TestTimerProxyHandshake(t *testing.T) {
	timer := NewTimer()

	timer.StartTCP()
	time.Sleep(5 * time.Millisecond)
	timer.EndTCP()

	timer.StartProxyHandshake()
	time.Sleep(20 * time.Millisecond)
	timer.EndProxyHandshake()

	metrics := timer.GetMetrics()
	if metrics.ProxyHandshake < 15*time.Millisecond || metrics.ProxyHandshake > 40*time.Millisecond {
		t.Errorf("unexpected ProxyHandshake timing: %v", metrics.ProxyHandshake)
	}
	if got := metrics.GetConnectionTime(); got < metrics.TCPConnect+metrics.ProxyHandshake {
		t.Errorf("GetConnectionTime %v should include ProxyHandshake", got)
	}
}

func TestMetricsCalculations(t *testing.T) {
	metrics := Metrics{
		DNSLookup:      10 * time.Millisecond,
		TCPConnect:     20 * time.Millisecond,
		ProxyHandshake: 25 * time.Millisecond,
		TLSHandshake:   30 * time.Millisecond,
		TTFB:           40 * time.Millisecond,
		TotalTime:      150 * time.Millisecond,
	}

	if metrics.GetConnectionTime() != 85*time.Millisecond {
		t.Errorf("expected connection time 85ms, got %v", metrics.GetConnectionTime())
	}
	if metrics.GetServerTime() != 40*time.Millisecond {
		t.Errorf("expected server time 40ms, got %v", metrics.GetServerTime())
	}
	if metrics.GetNetworkTime() != 110*time.Millisecond {
		t.Errorf("expected network time 110ms, got %v", metrics.GetNetworkTime())
	}
}

func TestMetricsString(t *testing.T) {
	metrics := Metrics{
		DNSLookup:    10 * time.Millisecond,
		TCPConnect:   20 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		TTFB:         40 * time.Millisecond,
		TotalTime:    100 * time.Millisecond,
	}

	str := metrics.String()
	if str == "" {
		t.Error("string representation should not be empty")
	}
	for _, substr := range []string{"DNSLookup:", "TCPConnect:", "TLSHandshake:", "TTFB:", "TotalTime:"} {
		if !strings.Contains(str, substr) {
			t.Errorf("string representation should contain %q", substr)
		}
	}
}
