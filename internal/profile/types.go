package profile

// Profile is what the assistant knows about the person it triages for.
type Profile struct {
	Identity      IdentityProfile      `json:"identity"`
	Communication CommunicationProfile `json:"communication"`
	// PriorityContacts are senders whose messages deserve a reply.
	PriorityContacts []string          `json:"priority_contacts,omitempty"`
	WorkingContext   map[string]string `json:"working_context,omitempty"` // e.g. "current_project" → "Q3 launch"
	Preferences      []string          `json:"preferences,omitempty"`
}

type IdentityProfile struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// CommunicationProfile shapes drafted replies.
type CommunicationProfile struct {
	Tone      string `json:"tone,omitempty"`      // e.g. "warm but brief"
	Signature string `json:"signature,omitempty"` // appended to drafted emails
}

// Keys lists the profile keys SetField accepts. List and map keys hold JSON.
var Keys = []string{
	"identity.name",
	"identity.email",
	"identity.role",
	"communication.tone",
	"communication.signature",
	"priority_contacts",
	"working_context",
	"preferences",
}

// KnownKey reports whether key is one of Keys.
func KnownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}
