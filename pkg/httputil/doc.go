// Package httputil provides the HTTP plumbing shared by the noticeguard
// service: JSON responses with machine-readable codes, body and path
// parsing, caller metadata (client IP, device signature) and the request
// id, logging, and recovery middleware.
package httputil
