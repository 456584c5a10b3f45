package identity

import "errors"

var (
	// ErrMissingCredential is returned when no bearer credential was presented
	ErrMissingCredential = errors.New("identity: missing credential")

	// ErrMalformedCredential is returned when the credential cannot be parsed
	ErrMalformedCredential = errors.New("identity: malformed credential")

	// ErrExpiredCredential is returned when the credential's expiry is not in the future
	ErrExpiredCredential = errors.New("identity: credential expired")

	// ErrMissingSubject is returned when none of the subject fields is present
	ErrMissingSubject = errors.New("identity: missing subject")

	// ErrUnsafeSubject is returned when the subject id fails the safety filter
	ErrUnsafeSubject = errors.New("identity: unsafe subject id")

	// ErrInvalidSignature is returned when upstream signature verification fails
	ErrInvalidSignature = errors.New("identity: invalid signature")
)
