package chat

import "strings"

// ResolveCounterparty returns the participant of c that is not actingID.
//
// The customer side may get an empty id back when no advisor has been assigned
// yet. Anyone who is neither the customer nor the assigned advisor gets a
// not_a_participant error. The function never trusts a caller-supplied
// receiver; callers derive the receiver from it.
func ResolveCounterparty(c Contract, actingID string) (string, error) {
	if strings.TrimSpace(actingID) == "" {
		return "", NewUnauthenticatedError()
	}
	switch {
	case c.CustomerID != "" && actingID == c.CustomerID:
		if c.AdvisorID == c.CustomerID {
			return "", nil
		}
		return c.AdvisorID, nil
	case c.AdvisorID != "" && actingID == c.AdvisorID:
		return c.CustomerID, nil
	default:
		return "", NewNotAParticipantError(actingID, c.ID)
	}
}

// IsParticipant reports whether identityID is the customer or assigned advisor.
func IsParticipant(c Contract, identityID string) bool {
	_, err := ResolveCounterparty(c, identityID)
	return err == nil
}
