package mailbox

// Status is the per-message bitmask of IMAP flags plus the classifier marks
// a scanning pipeline attaches (JUNK, INFECTED, ...). RECENT, SEEN,
// ANSWERED, FLAGGED, DELETED, and DRAFT are the IMAP system flags; APPENDED
// and HIDDEN control POP3 visibility; ENCRYPTED, JUNK, INFECTED, SPOOFED,
// BLACKHOLED, PHISHING, and TAGGED are classifier output.
type Status uint32

const (
	Recent Status = 1 << iota
	Seen
	Answered
	Flagged
	Deleted
	Draft
	Appended
	Hidden
	Encrypted
	Junk
	Infected
	Spoofed
	Blackholed
	Phishing
	Tagged
)

// Has reports whether every bit in flags is set in s.
func (s Status) Has(flags Status) bool {
	return s&flags == flags
}

// Set returns s with flags set.
func (s Status) Set(flags Status) Status {
	return s | flags
}

// Clear returns s with flags cleared.
func (s Status) Clear(flags Status) Status {
	return s &^ flags
}

// Message is one meta entry in a folder's message index.
type Message struct {
	MessageNum   uint64
	FolderNum    uint64
	ServerTag    string
	Status       Status
	Size         uint64
	SignatureNum uint64
	SignatureKey []byte
	Tags         []string
}

// IsPOP3Visible reports whether a message should appear in a POP3 session's
// view of the mailbox: POP3 never surfaces messages still in the middle of
// being appended, nor ones an administrative action has hidden.
func IsPOP3Visible(status Status) bool {
	return !status.Has(Appended) && !status.Has(Hidden)
}

// VisibleMessages filters messages down to the POP3-visible subset, in the
// order given — the caller is responsible for supplying them in delivery
// order so the 1-based numbering below lines up with UIDL/RETR semantics.
func VisibleMessages(messages []Message) []Message {
	visible := make([]Message, 0, len(messages))
	for _, m := range messages {
		if IsPOP3Visible(m.Status) {
			visible = append(visible, m)
		}
	}
	return visible
}

// ComputeLast returns the POP3 LAST boundary: the highest 1-based sequence
// number, within the POP3-visible subset of messages (in delivery order),
// whose message is not RECENT. Delivery is assumed non-decreasing in
// recency, so the scan stops at the first RECENT, non-HIDDEN message; every
// visible message after that point is presumed RECENT too.
func ComputeLast(messages []Message) int {
	last := 0
	seq := 0
	for _, m := range messages {
		if !IsPOP3Visible(m.Status) {
			continue
		}
		seq++
		if !m.Status.Has(Recent) || m.Status.Has(Hidden) {
			last = seq
			continue
		}
		break
	}
	return last
}
