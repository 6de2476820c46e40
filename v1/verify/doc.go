// Package verify issues and checks one-time verification codes such as
// email confirmation codes, SMS codes, password reset codes and captchas.
//
// Each code type has a Policy fixing length, alphabet and validity. A pending
// code lives under prefix:code:<type>:<identifier> with a TTL equal to the
// validity; failed verifications are counted in a retry ledger under
// prefix:retry:<type>:<identifier> whose window equals the same validity.
//
//	m, _ := verify.NewManager(kv.NewRedisStore(client), verify.DefaultConfig())
//	code, err := m.Generate(ctx, "user@example.com", verify.EmailLogin)
//	// deliver code out of band
//	ok, err := m.Verify(ctx, "user@example.com", submitted, verify.EmailLogin)
//
// Codes are single use. A successful verification deletes exactly the record
// it compared against, so at most one of several concurrent verifications of
// the same code succeeds. Backend failures are returned as errors and never
// reported as a successful verification.
package verify
