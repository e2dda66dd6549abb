package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// ErrTrustDeclined is returned when the trust decider refuses a server
// certificate.
var ErrTrustDeclined = errors.New("rpc: server certificate not trusted")

// Kind classifies a failure for the retry protocol.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindProtocol
	KindRemote
	KindSessionExpired
	KindTrustChallenge
	KindTrustDeclined
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindRemote:
		return "remote"
	case KindSessionExpired:
		return "session_expired"
	case KindTrustChallenge:
		return "trust_challenge"
	case KindTrustDeclined:
		return "trust_declined"
	default:
		return "other"
	}
}

// TransportError means the server could not be reached.
type TransportError struct {
	Method string
	Status int // HTTP status when a response arrived, 0 otherwise
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rpc %s: server unavailable (HTTP %d)", e.Method, e.Status)
	}
	return fmt.Sprintf("rpc %s: transport: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the request or response did not have the expected
// shape.
type ProtocolError struct {
	Method string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc %s: protocol: %s: %v", e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("rpc %s: protocol: %s", e.Method, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is a business rejection reported by the server.
type RemoteError struct {
	Method        string
	Code          int
	Message       string
	ExceptionType string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: remote error %d: %s", e.Method, e.Code, e.Message)
}

// SessionExpiredError means the session token is no longer valid.
type SessionExpiredError struct {
	Method  string
	Message string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("rpc %s: session expired: %s", e.Method, e.Message)
}

// TrustChallengeError means the server presented a certificate that needs
// an explicit trust decision.
type TrustChallengeError struct {
	Host        string
	Certificate *x509.Certificate
	Err         error
}

func (e *TrustChallengeError) Error() string {
	return fmt.Sprintf("rpc: untrusted certificate for %s (%s): %v", e.Host, e.Fingerprint(), e.Err)
}

func (e *TrustChallengeError) Unwrap() error { return e.Err }

// Fingerprint is the SHA-256 fingerprint of the presented leaf certificate.
func (e *TrustChallengeError) Fingerprint() string {
	if e.Certificate == nil {
		return ""
	}
	return Fingerprint(e.Certificate)
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		sessionErr   *SessionExpiredError
		remoteErr    *RemoteError
		protocolErr  *ProtocolError
		trustErr     *TrustChallengeError
		transportErr *TransportError
	)
	switch {
	case errors.Is(err, ErrTrustDeclined):
		return KindTrustDeclined
	case errors.As(err, &sessionErr):
		return KindSessionExpired
	case errors.As(err, &trustErr):
		return KindTrustChallenge
	case isCertificateError(err):
		return KindTrustChallenge
	case errors.As(err, &remoteErr):
		return KindRemote
	case errors.As(err, &protocolErr):
		return KindProtocol
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindOther
	}
}

// AsTrustChallenge extracts the challenge carried by err, if any.
func AsTrustChallenge(err error) (*TrustChallengeError, bool) {
	var trustErr *TrustChallengeError
	if errors.As(err, &trustErr) {
		return trustErr, true
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) && len(verifyErr.UnverifiedCertificates) > 0 {
		leaf := verifyErr.UnverifiedCertificates[0]
		return &TrustChallengeError{Host: hostOf(leaf), Certificate: leaf, Err: verifyErr.Err}, true
	}
	return nil, false
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verify)
}

func hostOf(cert *x509.Certificate) string {
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return cert.Subject.CommonName
}

const invalidSessionException = "InvalidSessionException"

// remoteFailure converts a JSON-RPC error object into the matching typed
// error.
func remoteFailure(method string, e *rpcError) error {
	if strings.HasSuffix(e.Data.ExceptionTypeName, invalidSessionException) {
		return &SessionExpiredError{Method: method, Message: e.Message}
	}
	return &RemoteError{
		Method:        method,
		Code:          e.Code,
		Message:       e.Message,
		ExceptionType: e.Data.ExceptionTypeName,
	}
}
