// Package auth verifies the credentials of API clients.
//
// The hub has no user database. Wall panels and services are configured as
// clients under security.clients, each with an Argon2id secret hash in PHC
// string format. A client exchanges its ID and secret for a short-lived JWT
// at POST /api/v1/auth/token.
//
// Hashes are produced with HashSecret, which the eventhub binary exposes as
// the hash-secret command.
package auth
