// Package session verifies the access tokens that identify a collaborator.
//
// Access tokens are PASETO v4.public and short-lived. The draftsync server only needs the public key:
// tokens are minted by the surrounding system's identity service. A secret key may be configured
// instead for dev setups and tests, in which case the same manager can also issue tokens.
package session
