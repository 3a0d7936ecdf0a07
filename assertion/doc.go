// Package assertion produces identity assertions from certified keypairs.
//
// A keypair is generated locally, its public half is serialized in the IdP's
// key format and certified by the IdP. The certificate and an assertion
// signed with the secret half, scoped to one audience and expiry, form a
// backed assertion bundle: "<certificate>~<assertion>".
//
// Timestamps inside certificates and assertions are milliseconds since the
// Unix epoch, as the IdP's verifier expects.
package assertion
