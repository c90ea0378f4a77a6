// Package crypto is the optional encryption layer under the WAL and SSTables.
//
// Every raw block or record passes through a BlockCipher before it reaches
// disk. Two implementations exist: Passthrough, which leaves bytes as they
// are, and AESGCM, which seals with AES-256-GCM. The engine picks one at open
// time from configuration; nothing above the engine sees which.
//
// Sealed format:
//
//	+--------+----------------+----------+
//	| Nonce  | Encrypted Data | Auth Tag |
//	| 12 B   | Variable       | 16 B     |
//	+--------+----------------+----------+
//
// A block that fails to open is an integrity failure, never "not found".
package crypto
