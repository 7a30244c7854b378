// Package admin is the authority-facing surface for threads, lookup tables
// and cranks.
//
// Every call carries a Request signed with the authority's ed25519 key over
// Canonical(op, authority, nonce, params). The service verifies the
// signature before spending the nonce, so a forged request never burns a
// nonce the real authority may still use. Nonces are single use per
// authority.
//
// Edits to a thread bump its Version. A scheduler that evaluated the thread
// against an older version refuses to submit with tempo.ErrStaleTrigger.
// Edits are refused with tempo.ErrThreadBusy while a scheduler holds the
// thread's lease.
//
//	signer := admin.NewSigner(key)
//	params := admin.CreateThreadParams{Name: "payroll", Trigger: trigger.NewCron("@hourly", false), ...}
//	req, err := signer.Sign(admin.OpCreateThread, params)
//	t, err := svc.CreateThread(ctx, req, params)
package admin
