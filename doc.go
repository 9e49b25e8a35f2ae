// Package auth implements account lifecycle actions driven by stateless,
// signed tokens.
//
// Action tokens:
//   - TokenService signs a claim set with an expiry (HS256). Verification
//     checks the signature before any claim is trusted. Tokens are never
//     stored.
//   - Action is the closed set of redeemable actions: confirm, unlock and
//     reset password. Each resolves to a policy that names its notification
//     template, the account state it requires and the conditional update that
//     applies it.
//
// Workflow:
//   - ActionWorkflow.Request checks the account state, issues a token and
//     enqueues the email that carries it on the queue package's durable job
//     queue. Workers deliver it through a notify.Mailer.
//   - ActionWorkflow.Redeem verifies the token and, inside one transaction,
//     re-checks the account state and applies the update. A replayed token
//     fails because the state no longer matches, so redemption is idempotent
//     without token bookkeeping.
//
// Accounts:
//   - RegisterUserHandler signs users up and requests their confirmation.
//   - Auther signs users in, locks accounts after repeated failures and
//     lists the audit log of a session holder.
//
// Activity sinks:
//   - ActivitySink receives sign up, sign in, sign out and action events
//     after the transaction that produced them commits. Sinks run best effort
//     (errors are logged).
package auth
