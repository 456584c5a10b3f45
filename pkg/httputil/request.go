package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Headers consulted for request metadata
const (
	RequestIDHeader       = "X-Request-ID"
	DeviceSignatureHeader = "X-Device-Signature"
	ForwardedForHeader    = "X-Forwarded-For"
	RealIPHeader          = "X-Real-IP"
)

// DefaultMaxBodyBytes bounds JSON request bodies
const DefaultMaxBodyBytes = 64 << 10

// ParseJSON decodes a single JSON object from the request body, rejecting
// unknown fields and bodies over DefaultMaxBodyBytes
func ParseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("invalid JSON: empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, DefaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON: trailing data")
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ClientIP returns the caller's address. Forwarding headers are honored only
// when trustProxy is set; the left-most X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get(ForwardedForHeader); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get(RealIPHeader)); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DeviceSignature returns the client-supplied device fingerprint, falling
// back to the User-Agent
func DeviceSignature(r *http.Request) string {
	if sig := strings.TrimSpace(r.Header.Get(DeviceSignatureHeader)); sig != "" {
		return sig
	}
	return r.UserAgent()
}
