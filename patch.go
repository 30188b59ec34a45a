package sessionsync

import (
	"sort"
	"strconv"
)

// Patch is a sparse change to a session. Only the fields touched through its
// setters are written; cleared fields are removed from the stored record.
//
// Writers must always send patches, never whole rows.
type Patch struct {
	sets             map[string]string
	clears           map[string]struct{}
	expectedRevision int64
}

// NewPatch creates an empty patch
func NewPatch() *Patch {
	return &Patch{
		sets:   map[string]string{},
		clears: map[string]struct{}{},
	}
}

func (p *Patch) set(field, value string) *Patch {
	if value == "" {
		return p.clear(field)
	}
	delete(p.clears, field)
	p.sets[field] = value
	return p
}

func (p *Patch) clear(field string) *Patch {
	delete(p.sets, field)
	p.clears[field] = struct{}{}
	return p
}

func (p *Patch) SetStep(step Step) *Patch {
	delete(p.clears, FieldCurrentStep)
	p.sets[FieldCurrentStep] = strconv.Itoa(int(step))
	return p
}

func (p *Patch) SetApproval(a ApprovalType) *Patch {
	return p.set(FieldApprovalType, string(a))
}

func (p *Patch) ClearApproval() *Patch {
	return p.clear(FieldApprovalType)
}

func (p *Patch) SetVerificationCode(code string) *Patch {
	return p.set(FieldVerificationCode, code)
}

func (p *Patch) ClearVerificationCode() *Patch {
	return p.clear(FieldVerificationCode)
}

// SetMessage sets the admin message together with its type
func (p *Patch) SetMessage(text string, mt MessageType) *Patch {
	if text == "" || mt == MessageNone {
		return p.ClearMessage()
	}
	p.set(FieldAdminMessage, text)
	return p.set(FieldMessageType, string(mt))
}

// ClearMessage clears the admin message together with its type
func (p *Patch) ClearMessage() *Patch {
	p.clear(FieldAdminMessage)
	return p.clear(FieldMessageType)
}

func (p *Patch) SetClientName(v string) *Patch { return p.set(FieldClientName, v) }

func (p *Patch) SetPhoneNumber(v string) *Patch { return p.set(FieldPhoneNumber, v) }

func (p *Patch) SetAmount(v float64) *Patch {
	delete(p.clears, FieldAmount)
	p.sets[FieldAmount] = formatAmount(v)
	return p
}

func (p *Patch) SetOrigin(v string) *Patch { return p.set(FieldOrigin, v) }

func (p *Patch) SetDestination(v string) *Patch { return p.set(FieldDestination, v) }

func (p *Patch) SetEstimatedDelivery(v string) *Patch { return p.set(FieldEstimatedDelivery, v) }

func (p *Patch) SetWeight(v string) *Patch { return p.set(FieldWeight, v) }

func (p *Patch) SetParcelTracking(v string) *Patch { return p.set(FieldParcelTracking, v) }

func (p *Patch) SetStatus(s Status) *Patch {
	delete(p.clears, FieldStatus)
	p.sets[FieldStatus] = string(s)
	return p
}

// ExpectRevision makes the write fail with ErrRevisionConflict when the stored
// revision differs from rev. Zero disables the check.
func (p *Patch) ExpectRevision(rev int64) *Patch {
	p.expectedRevision = rev
	return p
}

// ExpectedRevision returns the revision the writer last observed, or zero
func (p *Patch) ExpectedRevision() int64 {
	return p.expectedRevision
}

// Merge copies the changes of other into p. Changes in other win.
func (p *Patch) Merge(other *Patch) *Patch {
	if other == nil {
		return p
	}
	for k, v := range other.sets {
		delete(p.clears, k)
		p.sets[k] = v
	}
	for k := range other.clears {
		delete(p.sets, k)
		p.clears[k] = struct{}{}
	}
	if other.expectedRevision != 0 {
		p.expectedRevision = other.expectedRevision
	}
	return p
}

// IsEmpty reports whether the patch changes nothing
func (p *Patch) IsEmpty() bool {
	return p == nil || (len(p.sets) == 0 && len(p.clears) == 0)
}

// Sets returns the fields written by the patch
func (p *Patch) Sets() map[string]string {
	out := make(map[string]string, len(p.sets))
	for k, v := range p.sets {
		out[k] = v
	}
	return out
}

// Clears returns the sorted fields removed by the patch
func (p *Patch) Clears() []string {
	out := make([]string, 0, len(p.clears))
	for k := range p.clears {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Touches reports whether the patch writes or clears field
func (p *Patch) Touches(field string) bool {
	_, set := p.sets[field]
	_, cleared := p.clears[field]
	return set || cleared
}

// ApplyTo applies the patch to stored fields in place
func (p *Patch) ApplyTo(fields map[string]string) {
	for k, v := range p.sets {
		fields[k] = v
	}
	for k := range p.clears {
		delete(fields, k)
	}
}

// Apply returns a copy of s with the patch applied
func (p *Patch) Apply(s *Session) (*Session, error) {
	fields := s.Fields()
	p.ApplyTo(fields)
	return SessionFromFields(fields)
}
