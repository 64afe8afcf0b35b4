// Package identity models patients and prescribers, derives the stable
// patient UID, and reconciles imported patient data against the registry.
package identity

// Contact is a patient as stored in the registry and embedded in every
// prescription file. UID is derived from FamilyName, GivenName and
// Birthdate; see ComputeUID.
type Contact struct {
	ID         *int64 `json:"id,omitempty"`
	TimeStamp  string `json:"time_stamp"`
	UID        string `json:"uid"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
	Birthdate  string `json:"birthdate"`
	Gender     string `json:"gender"`
	WeightKg   int    `json:"weight_kg"`
	HeightCm   int    `json:"height_cm"`
	Zip        string `json:"zip"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Address    string `json:"address"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

// Clone returns a deep copy.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	if c.ID != nil {
		id := *c.ID
		out.ID = &id
	}
	return &out
}

// Fullname is "given family", as printed on prescriptions.
func (c *Contact) Fullname() string {
	switch {
	case c.GivenName == "":
		return c.FamilyName
	case c.FamilyName == "":
		return c.GivenName
	}
	return c.GivenName + " " + c.FamilyName
}

// Account is the operator (prescribing doctor) profile. It is embedded in
// prescription files but is not content-addressed.
type Account struct {
	Title      string `json:"title"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
	Address    string `json:"address"`
	Zip        string `json:"zip"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Signature  string `json:"signature,omitempty"`
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

const (
	GenderMan   = "man"
	GenderWoman = "woman"
)
