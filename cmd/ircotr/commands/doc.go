// Package commands defines the ircotr CLI.
//
// Commands
//
//   - demo           Run an encrypted conversation between two local accounts
//   - keygen         Create (or replace) the private key of an account
//   - fingerprints   List and verify peer fingerprints
//   - policy         Show or change the encryption policy
//
// An account is a nickname on a network. The network name doubles as the
// connection ref, so keys and trust survive restarts.
package commands
