package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name         string
		err          *Error
		expectedType ErrorType
	}{
		{"DNS Error", NewDNSError("example.com", fmt.Errorf("lookup failed")), ErrorTypeDNS},
		{"Connection Error", NewConnectionError("example.com", 443, fmt.Errorf("connection refused")), ErrorTypeConnection},
		{"TLS Error", NewTLSError("example.com", 443, fmt.Errorf("handshake failed")), ErrorTypeTLS},
		{"Timeout Error", NewTimeoutError("connection", 5*time.Second), ErrorTypeTimeout},
		{"Protocol Error", NewProtocolError("invalid status line", fmt.Errorf("parse error")), ErrorTypeProtocol},
		{"IO Error", NewIOError("reading", fmt.Errorf("broken pipe")), ErrorTypeIO},
		{"Validation Error", NewValidationError("host cannot be empty"), ErrorTypeValidation},
		{"Proxy Error", NewProxyError("socks5", "proxy.example.com:1080", "dial", fmt.Errorf("refused")).Error, ErrorTypeProxy},
		{"State Error", NewStateError("feed", "unexpected byte"), ErrorTypeState},
		{"Auth Error", NewAuthError("handshake", "bad credential"), ErrorTypeAuth},
		{"Reply Error", NewReplyError("connect", 5), ErrorTypeReply},
		{"Crypto Error", NewCryptoError("open", fmt.Errorf("tag mismatch")), ErrorTypeCrypto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.expectedType {
				t.Errorf("expected type %v, got %v", tt.expectedType, tt.err.Type)
			}
			if tt.err.Error() == "" {
				t.Error("error message should not be empty")
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := NewDNSError("example.com", cause)
	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped error to be %v, got %v", cause, err.Unwrap())
	}
}

func TestErrorIs(t *testing.T) {
	err1 := NewDNSError("example.com", fmt.Errorf("lookup failed"))
	err2 := &Error{Type: ErrorTypeDNS}
	if !err1.Is(err2) {
		t.Error("errors with same type should match")
	}
	err3 := &Error{Type: ErrorTypeConnection}
	if err1.Is(err3) {
		t.Error("errors with different types should not match")
	}
}

func TestIsTimeoutError(t *testing.T) {
	timeoutErr := NewTimeoutError("connection", 5*time.Second)
	if !IsTimeoutError(timeoutErr) {
		t.Error("should identify timeout error")
	}
	dnsErr := NewDNSError("example.com", fmt.Errorf("lookup failed"))
	if IsTimeoutError(dnsErr) {
		t.Error("should not identify DNS error as timeout")
	}
}

func TestGetErrorType(t *testing.T) {
	err := NewValidationError("test")
	if errType := GetErrorType(err); errType != ErrorTypeValidation {
		t.Errorf("expected %v, got %v", ErrorTypeValidation, errType)
	}
	regularErr := fmt.Errorf("regular error")
	if errType := GetErrorType(regularErr); errType != "" {
		t.Errorf("expected empty type for regular error, got %v", errType)
	}
}

func TestProxyErrorFields(t *testing.T) {
	perr := NewProxyError("http-connect", "proxy.example.com:8080", "dial", fmt.Errorf("refused"))
	if perr.ProxyType != "http-connect" || perr.ProxyAddr != "proxy.example.com:8080" {
		t.Errorf("unexpected proxy error fields: %+v", perr)
	}
	if perr.Type != ErrorTypeProxy {
		t.Errorf("expected ErrorTypeProxy, got %v", perr.Type)
	}
}
