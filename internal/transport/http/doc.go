// Package http exposes the license manager over a JSON API.
//
// Handlers stay thin: they decode and validate the body, call the
// LicenseService and render the result. Failures are rendered as RFC 7807
// problem details by the shared error handler, which adds the result code:
//
//	{
//	    "type": "/errors/untrusted",
//	    "title": "Unprocessable Entity",
//	    "status": 422,
//	    "detail": "license public key is not certified by the root key",
//	    "result_code": "CRYPTO_ERROR"
//	}
//
// Verification endpoints answer 200 with valid=false when a token does not
// verify. Activate and bind answer 422 in that case, since nothing changed.
package http
