/*
Package identity turns bearer credentials into identity claims.

A Verifier checks the credential signature first (HMAC shared secret or an
OpenID Connect key set). The Extractor then decodes the payload segment and
applies ordered field rules to find the subject, role and display claims:

	claims, err := identity.NewExtractor().Extract(token)
	if errors.Is(err, identity.ErrExpiredCredential) {
		// reject
	}

The subject id must pass SafeSubject before it is used as a store key.
*/
package identity
