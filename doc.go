// Package keyfold is an identity abstraction engine for authentication
// services that need to support many kinds of user identifiers (email,
// username, phone, OAuth subject, passkey, ...) while preserving a legacy
// email-only API surface.
//
// The engine reconciles two data models: a multi-identifier store, in which
// each identifier is a typed, normalized value bound to exactly one user, and
// a legacy flat-user view, in which fields like email and emailVerified are
// computed from the identifier set at read time and decomposed back into
// identifier mutations at write time. A derived recovery classification
// (FULL > PARTIAL > PSEUDONYMOUS > ANONYMOUS) is recomputed on every read and
// can gate sign-in.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// keyfold is the public surface. It exposes [Engine], [Builder], [Config],
// the store contracts ([IdentifierStore], [UserStore]) and value types.
// Storage adapters live in memstore/, redisstore/ and mongostore/; credential
// hashing in password/; proof-of-authentication tokens in token/. Helpers
// shared across the root package live under internal/ and are never exported.
//
// # Operating modes
//
// The engine runs in one of three modes, fixed at construction:
//
//   - virtual (default): identifiers are authoritative; legacy entry points
//     are translated through the virtual field mapper and query translator.
//   - direct: identifiers are authoritative; legacy entry points fail with
//     [ErrLegacyDisabled].
//   - legacy: flat user records are authoritative; identifier-table
//     operations fail with [ErrIdentifiersDisabled].
//
// # What this package must NOT do
//
//   - Prescribe a persistence technology: storage is consumed through the
//     [IdentifierStore] and [UserStore] contracts only.
//   - Deliver email or SMS: verification codes are returned to the caller.
//   - Reveal account existence through error text, error type, or timing on
//     authentication and verification-request paths.
package keyfold
