package verification

import (
	"time"

	"targeting/internal/sampling"
	id "targeting/pkg/domain"
)

// Channel is how sampled recipients are contacted.
type Channel string

const (
	ChannelManual   Channel = "MANUAL"
	ChannelRapidPro Channel = "RAPIDPRO"
	ChannelXLSX     Channel = "XLSX"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelManual, ChannelRapidPro, ChannelXLSX:
		return true
	}
	return false
}

// Payment is a delivered payment of a finalized selection, with the head of
// household details used for stratification.
type Payment struct {
	ID            id.PaymentID
	SelectionID   id.SelectionID
	HouseholdID   id.HouseholdID
	AdminAreaID   id.AdminAreaID
	HeadSex       id.Sex
	HeadBirthDate time.Time
}

// PlanStatus tracks a verification campaign.
type PlanStatus string

const (
	PlanPending  PlanStatus = "PENDING"
	PlanActive   PlanStatus = "ACTIVE"
	PlanFinished PlanStatus = "FINISHED"
)

// Plan is a payment-verification campaign over a sample of a selection's
// payments.
type Plan struct {
	ID                 id.VerificationID
	SelectionID        id.SelectionID
	Channel            Channel
	Sampling           sampling.Mode
	Arguments          sampling.Arguments
	Status             PlanStatus
	NumberOfRecipients int
	SampleSize         int
	PaymentIDs         []id.PaymentID
	CreatedBy          string
	CreatedAt          time.Time
}
