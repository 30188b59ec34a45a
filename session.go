package sessionsync

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Hash field names used to persist a session
const (
	FieldID                = "id"
	FieldSessionCode       = "session_code"
	FieldCurrentStep       = "current_step"
	FieldApprovalType      = "approval_type"
	FieldVerificationCode  = "verification_code"
	FieldAdminMessage      = "admin_message"
	FieldMessageType       = "message_type"
	FieldClientName        = "client_name"
	FieldPhoneNumber       = "phone_number"
	FieldAmount            = "amount"
	FieldOrigin            = "origin"
	FieldDestination       = "destination"
	FieldEstimatedDelivery = "estimated_delivery"
	FieldWeight            = "weight"
	FieldParcelTracking    = "parcel_tracking"
	FieldStatus            = "status"
	FieldClientIP          = "client_ip"
	FieldCreatedAt         = "created_at"
	FieldUpdatedAt         = "updated_at"
	FieldRevision          = "revision"
)

var (
	ErrInvalidStep     = errors.New("invalid step")
	ErrInvalidSession  = errors.New("invalid session")
	ErrMessageMismatch = errors.New("admin message and message type must be set together")
)

// Step is the coarse stage of a session flow
type Step int

const (
	StepIntake         Step = 1
	StepSecondaryInput Step = 2
	StepVerification   Step = 3
	StepTerminal       Step = 4
)

func (s Step) Valid() bool {
	return s >= StepIntake && s <= StepTerminal
}

// ApprovalType refines a step. The empty value means no approval marker.
type ApprovalType string

const (
	ApprovalNone               ApprovalType = ""
	ApprovalWaiting            ApprovalType = "waiting"
	ApprovalPendingAlternate   ApprovalType = "pending_alternate"
	ApprovalConfirmedPrimary   ApprovalType = "confirmed_primary"
	ApprovalConfirmedAlternate ApprovalType = "confirmed_alternate"
)

func (a ApprovalType) Valid() bool {
	switch a {
	case ApprovalNone, ApprovalWaiting, ApprovalPendingAlternate, ApprovalConfirmedPrimary, ApprovalConfirmedAlternate:
		return true
	}
	return false
}

// MessageType is the severity of an admin message
type MessageType string

const (
	MessageNone    MessageType = ""
	MessageError   MessageType = "error"
	MessageWarning MessageType = "warning"
	MessageInfo    MessageType = "info"
)

func (m MessageType) Valid() bool {
	switch m {
	case MessageError, MessageWarning, MessageInfo:
		return true
	}
	return false
}

// Status is the lifecycle flag of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusCompleted
}

// Session is the record shared by the client and the admin.
//
// Nullable text fields use the empty string as null.
type Session struct {
	ID                string       `json:"id"`
	SessionCode       string       `json:"session_code"`
	CurrentStep       Step         `json:"current_step"`
	ApprovalType      ApprovalType `json:"approval_type,omitempty"`
	VerificationCode  string       `json:"verification_code,omitempty"`
	AdminMessage      string       `json:"admin_message,omitempty"`
	MessageType       MessageType  `json:"message_type,omitempty"`
	ClientName        string       `json:"client_name,omitempty"`
	PhoneNumber       string       `json:"phone_number,omitempty"`
	Amount            float64      `json:"amount"`
	Origin            string       `json:"origin,omitempty"`
	Destination       string       `json:"destination,omitempty"`
	EstimatedDelivery string       `json:"estimated_delivery,omitempty"`
	Weight            string       `json:"weight,omitempty"`
	ParcelTracking    string       `json:"parcel_tracking,omitempty"`
	Status            Status       `json:"status"`
	ClientIP          string       `json:"client_ip,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Revision          int64        `json:"revision"`
}

// Clone returns a copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Validate checks the invariants every stored session must hold
func (s *Session) Validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil session", ErrInvalidSession)
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSession)
	case !s.CurrentStep.Valid():
		return fmt.Errorf("%w: %d", ErrInvalidStep, s.CurrentStep)
	case !s.ApprovalType.Valid():
		return fmt.Errorf("%w: unknown approval type %q", ErrInvalidSession, s.ApprovalType)
	case (s.AdminMessage == "") != (s.MessageType == MessageNone):
		return ErrMessageMismatch
	case s.MessageType != MessageNone && !s.MessageType.Valid():
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidSession, s.MessageType)
	case !s.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	return nil
}

// Fields returns the session as a flat map of stored fields. Null fields are omitted.
func (s *Session) Fields() map[string]string {
	m := map[string]string{
		FieldID:          s.ID,
		FieldSessionCode: s.SessionCode,
		FieldCurrentStep: strconv.Itoa(int(s.CurrentStep)),
		FieldAmount:      formatAmount(s.Amount),
		FieldStatus:      string(s.Status),
		FieldCreatedAt:   formatTime(s.CreatedAt),
		FieldUpdatedAt:   formatTime(s.UpdatedAt),
		FieldRevision:    strconv.FormatInt(s.Revision, 10),
	}

	optional := map[string]string{
		FieldApprovalType:      string(s.ApprovalType),
		FieldVerificationCode:  s.VerificationCode,
		FieldAdminMessage:      s.AdminMessage,
		FieldMessageType:       string(s.MessageType),
		FieldClientName:        s.ClientName,
		FieldPhoneNumber:       s.PhoneNumber,
		FieldOrigin:            s.Origin,
		FieldDestination:       s.Destination,
		FieldEstimatedDelivery: s.EstimatedDelivery,
		FieldWeight:            s.Weight,
		FieldParcelTracking:    s.ParcelTracking,
		FieldClientIP:          s.ClientIP,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}

	return m
}

// SessionFromFields decodes a session from stored fields
func SessionFromFields(m map[string]string) (*Session, error) {
	step, err := strconv.Atoi(m[FieldCurrentStep])
	if err != nil {
		return nil, fmt.Errorf("%w: bad current_step %q", ErrInvalidSession, m[FieldCurrentStep])
	}

	s := &Session{
		ID:                m[FieldID],
		SessionCode:       m[FieldSessionCode],
		CurrentStep:       Step(step),
		ApprovalType:      ApprovalType(m[FieldApprovalType]),
		VerificationCode:  m[FieldVerificationCode],
		AdminMessage:      m[FieldAdminMessage],
		MessageType:       MessageType(m[FieldMessageType]),
		ClientName:        m[FieldClientName],
		PhoneNumber:       m[FieldPhoneNumber],
		Origin:            m[FieldOrigin],
		Destination:       m[FieldDestination],
		EstimatedDelivery: m[FieldEstimatedDelivery],
		Weight:            m[FieldWeight],
		ParcelTracking:    m[FieldParcelTracking],
		Status:            Status(m[FieldStatus]),
		ClientIP:          m[FieldClientIP],
	}

	if v := m[FieldAmount]; v != "" {
		s.Amount, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidSession, v)
		}
	}
	if v := m[FieldRevision]; v != "" {
		s.Revision, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad revision %q", ErrInvalidSession, v)
		}
	}
	if s.CreatedAt, err = parseTime(m[FieldCreatedAt]); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(m[FieldUpdatedAt]); err != nil {
		return nil, err
	}

	return s, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidSession, v)
	}
	return t, nil
}

// FormatTime is the stored representation of a timestamp
func FormatTime(t time.Time) string {
	return formatTime(t)
}
