package models

import "time"

// ProposalStatus is the negotiation state of an exchange proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalCountered ProposalStatus = "countered"
	ProposalExpired   ProposalStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalRejected || s == ProposalExpired
}

// ProposalAction is a responder's answer to a proposal.
type ProposalAction string

const (
	ActionAccept  ProposalAction = "accept"
	ActionReject  ProposalAction = "reject"
	ActionCounter ProposalAction = "counter"
)

// ProposalItem references a publication offered or requested in a trade.
type ProposalItem struct {
	PublicationID string `json:"publication_id"`
	Description   string `json:"description"`
}

// ExchangeProposal is the negotiation payload embedded in an exchange_proposal message.
type ExchangeProposal struct {
	OfferedItems   []ProposalItem `json:"offered_items"`
	RequestedItems []ProposalItem `json:"requested_items"`
	Terms          string         `json:"terms,omitempty"`
	Proposer       string         `json:"proposer"`
	Status         ProposalStatus `json:"status"`
	ExpiresAt      time.Time      `json:"expiration_date"`
	RespondedBy    *string        `json:"responded_by,omitempty"`
	RespondedAt    *time.Time     `json:"responded_at,omitempty"`
	CounterOf      *string        `json:"counter_of,omitempty"`
	CounteredBy    *string        `json:"countered_by,omitempty"`
}

// ExpiredAt reports whether the response window has closed at now.
// A zero-hour window is closed from the moment it is created.
func (p ExchangeProposal) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
