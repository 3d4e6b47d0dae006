package selector

import "time"

// Binding mirrors models.TokenProxyBinding's fields the selector needs,
// kept dependency-free of the models package so this package has no
// storage-layer import.
type Binding struct {
	PrimaryProxyID    int64
	OverrideProxyID   *int64
	OverrideExpiresAt *time.Time
}

// EffectiveProxyID returns the live override proxy if set and unexpired,
// else the primary.
func (b Binding) EffectiveProxyID(now time.Time) int64 {
	if b.OverrideProxyID != nil && b.OverrideExpiresAt != nil && now.Before(*b.OverrideExpiresAt) {
		return *b.OverrideProxyID
	}
	return b.PrimaryProxyID
}

// RecoveryAction describes what the selector decided should happen to a
// binding or credential after a classified outbound failure; the caller
// (job queue / storage layer) is responsible for enacting it atomically.
type RecoveryAction struct {
	Kind OutboundErrorKind

	// For proxy_connect / proxy_auth: install a time-boxed override.
	InstallOverride    bool
	OverrideTTLSeconds int

	// For pixiv_rate_limit: bump the credential's error_count and backoff.
	BumpCredentialErrorCount bool
	CredentialBackoffSeconds int
}

// DecideRecovery maps a classified failure and its per-binding/per-credential
// attempt counters onto the concrete recovery action.
func DecideRecovery(kind OutboundErrorKind, bindingAttempt, credentialAttempt int) RecoveryAction {
	switch kind {
	case ErrorKindProxyConnect, ErrorKindProxyAuth:
		return RecoveryAction{
			Kind:               kind,
			InstallOverride:    true,
			OverrideTTLSeconds: ProxyOverrideTTLSeconds(bindingAttempt),
		}
	case ErrorKindPixivRateLimit:
		return RecoveryAction{
			Kind:                     kind,
			BumpCredentialErrorCount: true,
			CredentialBackoffSeconds: PixivRateLimitBackoffSeconds(credentialAttempt),
		}
	default:
		return RecoveryAction{Kind: kind}
	}
}
