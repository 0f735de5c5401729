// Package tokenstore provides persistent storage backends for the serialized token cache.
//
// Two backends with different security tradeoffs are supported:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager,
//     Linux Secret Service). Preferred.
//   - File: plaintext file with 0600 permissions and atomic writes. Used as a fallback
//     when the keyring is unavailable; contents are not encrypted.
//
// Backend failures that make a store unusable are reported as ErrUnavailable so callers
// can degrade to the next tier instead of failing.
package tokenstore
