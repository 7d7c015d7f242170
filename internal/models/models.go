package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Name     string `gorm:"size:50;not null"`
	Email    string `gorm:"uniqueIndex;size:255;not null"`
	Password string `gorm:"size:255" json:"-"`
	Alias    string `gorm:"size:64;index"`
}

type Wallet struct {
	gorm.Model
	UserID  uint            `gorm:"uniqueIndex;not null"`
	Balance decimal.Decimal `gorm:"type:decimal(20,2);not null"`
}

// LedgerEntry journals every wallet movement. Amount is signed: debits are negative.
type LedgerEntry struct {
	gorm.Model
	WalletID     uint            `gorm:"index;not null"`
	EscrowID     *uint           `gorm:"index"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Reason       string          `gorm:"size:64"`
}

type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "PENDING"
	PaymentEscrowed     PaymentStatus = "ESCROWED"
	PaymentCompleted    PaymentStatus = "COMPLETED"
	PaymentRefunded     PaymentStatus = "REFUNDED"
	PaymentCancelled    PaymentStatus = "CANCELLED"
	PaymentFailed       PaymentStatus = "FAILED"
	PaymentChargebacked PaymentStatus = "CHARGEBACKED"
)

type Payment struct {
	gorm.Model
	UserID      uint            `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Provider    string          `gorm:"size:20;not null"` // card | crypto | wallet
	Reference   string          `gorm:"uniqueIndex;size:128;not null"`
	Status      PaymentStatus   `gorm:"size:20;index;not null"`
	DisputeRef  string          `gorm:"size:128"`
	CompletedAt *time.Time
	RefundedAt  *time.Time
}

type EscrowStatus string

const (
	EscrowPending                 EscrowStatus = "PENDING"
	EscrowFunded                  EscrowStatus = "FUNDED"
	EscrowDeliveredPendingRelease EscrowStatus = "DELIVERED_PENDING_RELEASE"
	EscrowReleased                EscrowStatus = "RELEASED"
	EscrowRefunded                EscrowStatus = "REFUNDED"
	EscrowCancelled               EscrowStatus = "CANCELLED"
	EscrowChargebacked            EscrowStatus = "CHARGEBACKED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowCancelled, EscrowChargebacked:
		return true
	}
	return false
}

type FundingMode string

const (
	// FundingCaptured: the processor captured the payment before the escrow existed.
	FundingCaptured FundingMode = "CAPTURED"
	// FundingWallet: the payer's wallet is debited by an explicit fund step.
	FundingWallet FundingMode = "WALLET"
)

type Escrow struct {
	gorm.Model
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	PayerID           uint            `gorm:"index;not null"`
	PayeeID           uint            `gorm:"index;not null"`
	PayerAlias        string          `gorm:"size:64"`
	PayeeAlias        string          `gorm:"size:64"`
	PaymentID         uint            `gorm:"index;not null"`
	Status            EscrowStatus    `gorm:"size:32;index;not null"`
	FundingMode       FundingMode     `gorm:"size:16;not null"`
	Terms             string          `gorm:"type:text"`
	ScheduleReleaseAt *time.Time      `gorm:"index"`
	FundedAt          *time.Time
	ReleasedAt        *time.Time
	RefundedAt        *time.Time
	CancelledAt       *time.Time
	ChargebackAt      *time.Time
	IsHighRisk        bool
	RiskScore         float64
	Metadata          string `gorm:"type:text"`

	Milestones []EscrowMilestone `gorm:"constraint:OnDelete:CASCADE"`
	Proofs     []DeliveryProof   `gorm:"constraint:OnDelete:CASCADE"`
}

// Funded reports whether money backing the escrow is actually held.
func (e *Escrow) Funded() bool {
	return e.FundingMode == FundingCaptured || e.FundedAt != nil
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneCompleted MilestoneStatus = "COMPLETED"
	MilestoneDisputed  MilestoneStatus = "DISPUTED"
)

type EscrowMilestone struct {
	gorm.Model
	EscrowID    uint            `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Description string          `gorm:"type:text"`
	Sequence    int             `gorm:"not null"`
	Status      MilestoneStatus `gorm:"size:16;not null"`
	CompletedAt *time.Time
}

type ProofType string

const (
	ProofImage              ProofType = "IMAGE"
	ProofDocument           ProofType = "DOCUMENT"
	ProofVideo              ProofType = "VIDEO"
	ProofLink               ProofType = "LINK"
	ProofText               ProofType = "TEXT"
	ProofTrackingNumber     ProofType = "TRACKING_NUMBER"
	ProofSystemVerification ProofType = "SYSTEM_VERIFICATION"
	ProofAdminOverride      ProofType = "ADMIN_OVERRIDE"
	ProofPayeeConfirmation  ProofType = "PAYEE_CONFIRMATION"
)

func (t ProofType) Valid() bool {
	switch t {
	case ProofImage, ProofDocument, ProofVideo, ProofLink, ProofText, ProofTrackingNumber,
		ProofSystemVerification, ProofAdminOverride, ProofPayeeConfirmation:
		return true
	}
	return false
}

type ProofStatus string

const (
	ProofPending  ProofStatus = "PENDING"
	ProofAccepted ProofStatus = "ACCEPTED"
	ProofRejected ProofStatus = "REJECTED"
)

type DeliveryProof struct {
	gorm.Model
	EscrowID        uint        `gorm:"index;not null"`
	Type            ProofType   `gorm:"size:32;not null"`
	Description     string      `gorm:"type:text"`
	Files           string      `gorm:"type:text"` // JSON array of file references
	Status          ProofStatus `gorm:"size:16;index;not null"`
	SubmittedBy     uint        `gorm:"not null"` // zero for platform-issued proofs
	ReviewedBy      *uint
	RejectionReason string `gorm:"type:text"`
	ReviewedAt      *time.Time
}

type LogType string

const (
	LogEscrowCreated      LogType = "ESCROW_CREATED"
	LogEscrowFunded       LogType = "ESCROW_FUNDED"
	LogProofSubmitted     LogType = "PROOF_SUBMITTED"
	LogProofAutoVerified  LogType = "PROOF_AUTO_VERIFIED"
	LogProofReviewed      LogType = "PROOF_REVIEWED"
	LogEscrowCompleted    LogType = "ESCROW_COMPLETED"
	LogFundsReleased      LogType = "FUNDS_RELEASED"
	LogStatusChanged      LogType = "STATUS_CHANGED"
	LogEscrowCancelled    LogType = "ESCROW_CANCELLED"
	LogEscrowRefunded     LogType = "ESCROW_REFUNDED"
	LogEscrowDisputed     LogType = "ESCROW_DISPUTED"
	LogChargebackReceived LogType = "CHARGEBACK_RECEIVED"
	LogMilestoneUpdated   LogType = "MILESTONE_UPDATED"
)

// TransactionLog rows are insert-only.
type TransactionLog struct {
	ID                uint      `gorm:"primarykey"`
	CreatedAt         time.Time `gorm:"index"`
	Type              LogType   `gorm:"size:32;index;not null"`
	ActorID           *uint     `gorm:"index"`
	EntityID          uint      `gorm:"index;not null"`
	EntityType        string    `gorm:"size:32;index;not null"`
	Data              string    `gorm:"type:text"`
	IPHash            string    `gorm:"size:64"`
	UserAgent         string    `gorm:"size:255"`
	DeviceFingerprint string    `gorm:"size:128"`
}

type OutboxEvent struct {
	ID           string     `gorm:"primarykey;size:36"`
	LogID        uint       `gorm:"index;not null"`
	EventType    string     `gorm:"size:32;not null"`
	PartitionKey string     `gorm:"size:64"`
	Payload      string     `gorm:"type:text;not null"`
	CreatedAt    time.Time  `gorm:"index"`
	PublishedAt  *time.Time `gorm:"index"`
	ClaimToken   *string    `gorm:"size:36;index"`
	ClaimUntil   *time.Time
	RetryCount   int
	LastError    string `gorm:"type:text"`
}

type WebhookEvent struct {
	ID          uint   `gorm:"primarykey"`
	ExternalID  string `gorm:"uniqueIndex;size:128;not null"`
	Type        string `gorm:"size:64;not null"`
	Reference   string `gorm:"size:128;index"`
	Outcome     string `gorm:"size:32"`
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// All lists every model for migrations.
func All() []any {
	return []any{
		&User{}, &Wallet{}, &LedgerEntry{}, &Payment{}, &Escrow{}, &EscrowMilestone{},
		&DeliveryProof{}, &TransactionLog{}, &OutboxEvent{}, &WebhookEvent{},
	}
}
