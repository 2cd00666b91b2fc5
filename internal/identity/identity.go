// Package identity resolves session tokens to authenticated user IDs. The
// gateway treats resolution as an external collaborator: absence of an
// identity is always a hard rejection at upgrade time, never a degraded
// anonymous mode.
package identity
