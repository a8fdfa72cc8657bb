package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/oauth"
)

// accountPasskeyVerifier implements oauth.CredentialVerifier against
// the single hosted account. It does not perform WebAuthn assertion
// signature verification — no example repo in this corpus carries a
// WebAuthn library — it only checks that the assertion names this
// process's hosted DID, so wiring /oauth/passkey-auth here is not a
// substitute for validating a real credential's signature.
type accountPasskeyVerifier struct {
	accounts *account.Store
}

type passkeyAssertion struct {
	DID string `json:"did"`
}

func (v *accountPasskeyVerifier) VerifyAssertion(assertionJSON []byte) (*oauth.AuthorizingAccount, error) {
	var a passkeyAssertion
	if err := json.Unmarshal(assertionJSON, &a); err != nil {
		return nil, fmt.Errorf("passkey: decode assertion: %w", err)
	}
	if a.DID == "" {
		return nil, fmt.Errorf("passkey: assertion missing did")
	}

	acct, err := v.accounts.GetByDID(context.Background(), a.DID)
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	return &oauth.AuthorizingAccount{DID: acct.DID, Handle: acct.Handle}, nil
}
